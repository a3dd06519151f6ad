package tradovate

// Contract is the subset of a Tradovate contract record the session core
// needs: the numeric id used to filter push events and the resolved name.
type Contract struct {
	ID                 int    `json:"id"`
	Name               string `json:"name"`
	ContractMaturityID int    `json:"contractMaturityId,omitempty"`
}

// Account represents a trading account returned by account/list.
type Account struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	UserID      int    `json:"userId"`
	AccountType string `json:"accountType"`
	Active      bool   `json:"active"`
}

// authResponse is the wire shape of both auth/accessTokenRequest and
// auth/renewAccessToken responses. expirationTime is epoch milliseconds;
// zero means the server omitted it.
type authResponse struct {
	AccessToken    string `json:"accessToken"`
	RefreshToken   string `json:"refreshToken"`
	ExpirationTime int64  `json:"expirationTime"`
	ErrorText      string `json:"errorText"`
	UserID         int    `json:"userId"`
	Name           string `json:"name"`
}

// apiErrorBody is the error envelope Tradovate attaches to denied requests.
type apiErrorBody struct {
	ErrorText string `json:"errorText"`
}
