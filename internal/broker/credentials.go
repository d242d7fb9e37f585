package broker

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/orderbridge/internal/domain"
)

// StaticCredentials serves one configured account.
type StaticCredentials domain.Credentials

// Credentials fails with domain.ErrNoCredentials when no login is set.
func (c StaticCredentials) Credentials(context.Context) (domain.Credentials, error) {
	if c.Login == 0 || c.Password == "" {
		return domain.Credentials{}, fmt.Errorf("broker: %w", domain.ErrNoCredentials)
	}
	return domain.Credentials(c), nil
}

var _ domain.CredentialsProvider = StaticCredentials{}
