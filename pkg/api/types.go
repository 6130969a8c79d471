package api

// CheckoutRequest is the body of POST /checkout
type CheckoutRequest struct {
	Plan string `json:"plan" validate:"required,plan"`
}

// CreditsResponse is the body of GET /credits
type CreditsResponse struct {
	UserID  string `json:"user_id"`
	Credits int    `json:"credits"`
	Plan    string `json:"plan"`
}

// PortalResponse is the body of POST /portal
type PortalResponse struct {
	URL string `json:"url"`
}

// ErrorResponse is the default error body
type ErrorResponse struct {
	Error string `json:"error"`
}
