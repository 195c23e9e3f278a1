package replicate

import "context"

type Account struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// GetAccount returns the account owning the API token.
func (c *Client) GetAccount(ctx context.Context) (*Account, error) {
	var acc Account
	if err := c.doJSON(ctx, "GET", c.baseURL+"/account", nil, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}
