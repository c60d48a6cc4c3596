package app_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-checkout/internal/app"
	"github.com/noah-isme/toko-checkout/internal/app/apptest"
)

func TestNewProvider(t *testing.T) {
	cfg := apptest.Config()

	p, err := app.NewProvider(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, "sandbox", p.Name())

	cfg.PaymentProvider = "kpay"
	cfg.KPayBaseURL = "https://api.kpay.example"
	cfg.KPayAPIKey = "key"
	p, err = app.NewProvider(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, "kpay", p.Name())

	cfg.PaymentProvider = "stripe"
	_, err = app.NewProvider(cfg, zerolog.Nop())
	require.Error(t, err)

	cfg.PaymentProvider = "sandbox"
	cfg.AppEnv = "production"
	_, err = app.NewProvider(cfg, zerolog.Nop())
	require.Error(t, err)
}

func TestBuildServicesRequiresInfrastructure(t *testing.T) {
	_, err := app.BuildServices(app.Dependencies{Config: apptest.Config()})
	require.Error(t, err)
}
