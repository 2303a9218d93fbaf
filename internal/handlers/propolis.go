package handlers

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"uk.co.dudmesh.crosspost/pkg/crypt"
	"uk.co.dudmesh.crosspost/pkg/message"
)

type propolisKeyResponse struct {
	Address message.Address `json:"address"`
	Key     string          `json:"key"`
}

// PropolisKey serves the public half of the propolis signing key, keyed by the
// sender address, so an exchange can verify the posts we deliver.
func PropolisKey(privateKey string) (echo.HandlerFunc, error) {
	publicKey, err := crypt.DecodePublicKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("decoding propolis key: %w", err)
	}
	address := message.AddressFor(publicKey)
	encoded, err := crypt.EncodePublicKey(publicKey, string(address))
	if err != nil {
		return nil, fmt.Errorf("encoding propolis key: %w", err)
	}

	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, propolisKeyResponse{Address: address, Key: encoded})
	}, nil
}
