package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/donation_ledger/internal/config"
	"github.com/R3E-Network/donation_ledger/pkg/logger"
)

// fakeNode answers getblockcount and fails everything else.
func fakeNode(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		if req.Method == "getblockcount" {
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":101}`))
			return
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, rpcURL string) *config.Config {
	t.Helper()
	key, err := keys.NewPrivateKey()
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Database.Driver = "memory"
	cfg.Ledger.RPCURL = rpcURL
	cfg.Ledger.WIF = key.WIF()
	cfg.Auth.JWTSecret = "0123456789abcdef0123456789abcdef"
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestNewApplicationWithMemoryStore(t *testing.T) {
	node := fakeNode(t)
	cfg := testConfig(t, node.URL)

	a, err := NewApplication(context.Background(), cfg, logger.Discard())
	require.NoError(t, err)
	require.NotNil(t, a.App().Sweeper, "sweeper is enabled by default")

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var report struct {
		Ledger struct {
			Height uint64 `json:"height"`
		} `json:"ledger"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, uint64(100), report.Ledger.Height)

	require.NoError(t, a.app.Start(context.Background()))
	require.NoError(t, a.Shutdown(context.Background()))
}

func TestNewApplicationReadsContractArtifacts(t *testing.T) {
	node := fakeNode(t)
	cfg := testConfig(t, node.URL)
	cfg.Sweeper.Enabled = false

	dir := t.TempDir()
	cfg.Ledger.NEFPath = filepath.Join(dir, "missing.nef")
	_, err := NewApplication(context.Background(), cfg, logger.Discard())
	require.Error(t, err)

	cfg.Ledger.NEFPath = filepath.Join(dir, "donation.nef")
	cfg.Ledger.ManifestPath = filepath.Join(dir, "donation.manifest.json")
	require.NoError(t, os.WriteFile(cfg.Ledger.NEFPath, []byte{0x4e, 0x45, 0x46, 0x33}, 0o600))
	require.NoError(t, os.WriteFile(cfg.Ledger.ManifestPath, []byte(`{"name":"DonationContract"}`), 0o600))

	a, err := NewApplication(context.Background(), cfg, logger.Discard())
	require.NoError(t, err)
	assert.Nil(t, a.App().Sweeper)
}

func TestNewApplicationRejectsBadSigner(t *testing.T) {
	node := fakeNode(t)
	cfg := testConfig(t, node.URL)
	cfg.Ledger.WIF = "not-a-wif"

	_, err := NewApplication(context.Background(), cfg, logger.Discard())
	require.Error(t, err)
}
