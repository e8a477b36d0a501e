package authfx

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap/zaptest"

	"github.com/MrEthical07/authgate"
	"github.com/MrEthical07/authgate/kv"
	"github.com/MrEthical07/authgate/middleware"
)

func testConfig(t *testing.T) authgate.Config {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pepper := make([]byte, 32)
	_, err = rand.Read(pepper)
	require.NoError(t, err)

	cfg := authgate.DefaultConfig()
	cfg.JWT.PrivateKey = priv
	cfg.JWT.PublicKey = pub
	cfg.APIKey.Pepper = pepper
	return cfg
}

func TestModule(t *testing.T) {
	t.Run("module is properly defined", func(t *testing.T) {
		assert.NotNil(t, Module)
	})

	t.Run("provides a working gateway", func(t *testing.T) {
		var (
			gate    *authgate.Gateway
			checker middleware.Checker
		)
		app := fxtest.New(t,
			Module,
			fx.Supply(testConfig(t)),
			fx.Provide(func() kv.Store { return kv.NewMemory() }),
			fx.Supply(zaptest.NewLogger(t)),
			fx.Supply(Roles{"viewer": {Permissions: []string{"read:entities"}}}),
			fx.Provide(func() authgate.PrincipalSource {
				return authgate.NewStaticPrincipals(authgate.Principal{ID: "alice", Roles: []string{"viewer"}, Active: true})
			}),
			fx.Populate(&gate, &checker),
		)
		app.RequireStart()
		defer app.RequireStop()

		require.NotNil(t, gate)
		assert.Same(t, gate, checker)

		res, err := gate.Login(context.Background(), "alice")
		require.NoError(t, err)
		d := checker.Check(context.Background(), res.Tokens.AccessToken, "read:entities")
		assert.True(t, d.Allowed())
		assert.Equal(t, "alice", d.Principal.ID)
	})

	t.Run("optional dependencies may be absent", func(t *testing.T) {
		var gate *authgate.Gateway
		app := fxtest.New(t,
			Module,
			fx.Supply(testConfig(t)),
			fx.Provide(func() kv.Store { return kv.NewMemory() }),
			fx.Populate(&gate),
		)
		app.RequireStart()
		app.RequireStop()

		assert.Equal(t, uint64(1), gate.SecurityReport().RolesVersion)
	})

	t.Run("invalid config fails the graph", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.APIKey.Pepper = nil
		app := fx.New(
			Module,
			fx.Supply(cfg),
			fx.Provide(func() kv.Store { return kv.NewMemory() }),
			fx.NopLogger,
			fx.Invoke(func(*authgate.Gateway) {}),
		)
		assert.Error(t, app.Err())
	})
}

func TestProvideGatewayAppliesRoles(t *testing.T) {
	g, err := ProvideGateway(Params{
		Config: testConfig(t),
		Store:  kv.NewMemory(),
		Roles: Roles{
			"viewer": {Permissions: []string{"read:entities"}},
			"editor": {Permissions: []string{"write:entities"}, Inherits: []string{"viewer"}},
		},
	})
	require.NoError(t, err)
	defer g.Close()

	created, err := g.CreateAPIKey(context.Background(), "svc", []string{"read:entities"}, nil, 0)
	require.NoError(t, err)
	d := g.Check(context.Background(), created.Plaintext, "read:entities")
	assert.True(t, d.Allowed())
}
