package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-checkout/internal/app/apptest"
	"github.com/noah-isme/toko-checkout/internal/checkout"
	"github.com/noah-isme/toko-checkout/internal/reconcile"
)

func run(t *testing.T, env *apptest.Env, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(append([]string{
		"--api", env.URL(),
		"--redis", "redis://" + env.Mini.Addr(),
		"--poll-every", "5ms",
		"--timeout", "10s",
	}, args...))
	err := root.Execute()
	return out.String(), err
}

func writeCart(t *testing.T, env *apptest.Env) string {
	t.Helper()
	data, err := json.Marshal([]checkout.CartLine{{ProductID: env.Products[0], Name: "Kitenge", Price: 2500, Quantity: 2}})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "cart.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestOrdersEnabledCommand(t *testing.T) {
	env := apptest.New(t)

	out, err := run(t, env, "orders-enabled")
	require.NoError(t, err)

	var flag checkout.OrdersEnabled
	require.NoError(t, json.Unmarshal([]byte(out), &flag))
	require.True(t, flag.Enabled)
}

func TestSubmitCashOnDelivery(t *testing.T) {
	env := apptest.New(t)

	out, err := run(t, env, "submit", "-s", "cli-cod",
		"--cart", writeCart(t, env),
		"--method", "cash_on_delivery",
		"--address", "Plot 4", "--city", "Kampala", "--phone", "0772000000")
	require.NoError(t, err)
	require.Contains(t, out, "placed: order ")
	require.Len(t, env.Store.Orders(), 1)
}

func TestSubmitCardThenResumeWithConfirmation(t *testing.T) {
	env := apptest.New(t)

	out, err := run(t, env, "submit", "-s", "cli-card",
		"--cart", writeCart(t, env),
		"--method", "card",
		"--address", "Plot 4", "--city", "Kampala", "--phone", "0772000000")
	require.NoError(t, err)
	require.Contains(t, out, "redirect: open ")

	ref := env.Sandbox.LastReference()
	env.Sandbox.Settle(ref, checkout.StatusCompleted)

	out, err = run(t, env, "resume", "-s", "cli-card", "--confirm",
		"https://shop.example/checkout/return?reference="+ref+"&payment=success")
	require.NoError(t, err)
	require.Contains(t, out, "confirm: gateway reported success")
	require.Contains(t, out, "placed: order ")
	require.Len(t, env.Store.Orders(), 1)
}

func TestSubmitWithoutSession(t *testing.T) {
	env := apptest.New(t)

	_, err := run(t, env, "submit", "--cart", writeCart(t, env))
	require.EqualError(t, err, "--session is required")
}

func TestStatusCommand(t *testing.T) {
	env := apptest.New(t)
	_, err := run(t, env, "submit", "-s", "cli-status",
		"--cart", writeCart(t, env),
		"--method", "card",
		"--address", "Plot 4", "--city", "Kampala", "--phone", "0772000000")
	require.NoError(t, err)
	ref := env.Sandbox.LastReference()

	out, err := run(t, env, "status", ref)
	require.NoError(t, err)
	var st checkout.StatusResponse
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	require.Equal(t, ref, st.Reference)
}

func TestShopperMessage(t *testing.T) {
	require.Equal(t, "insufficient funds", shopperMessage(&reconcile.GatewayRejectedError{Message: "insufficient funds"}))
	require.Equal(t, "Shop closed", shopperMessage(&reconcile.PolicyBlockedError{Message: "Shop closed"}))
	require.Equal(t, "please check customerPhone (required)", shopperMessage(&reconcile.ValidationError{Fields: map[string]string{"customerPhone": "required"}}))
	require.Contains(t, shopperMessage(&reconcile.NetworkError{Op: "initiate", Err: errors.New("dial tcp")}), "try again")
}
