package dcaengine_test

import (
	"context"
	"os"
	"testing"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/joho/godotenv"

	"github.com/ChoSanghyuk/dcaengine/internal/db"
)

// TestIntegration_RealCollaborators exercises the engine against real external collaborators (an
// RPC endpoint and a MySQL recorder) instead of the in-memory fakes used everywhere else in this
// package, mirroring blackhole_test.go's .env.test.local harness. It is skipped rather than
// failed when the environment isn't configured, since no secrets are checked into this repo.
func TestIntegration_RealCollaborators(t *testing.T) {
	if err := godotenv.Load(".env.test.local"); err != nil {
		t.Skipf("skipping: .env.test.local not found: %v", err)
	}

	rpcURL := mustEnv(t, "RPC_URL")
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		t.Fatalf("failed to connect to RPC: %v", err)
	}
	defer client.Close()

	if _, err := client.ChainID(context.Background()); err != nil {
		t.Fatalf("chain ID query failed: %v", err)
	}

	dsn := mustEnv(t, "MYSQL_DSN")
	recorder, err := db.NewMySQLRecorder(dsn)
	if err != nil {
		t.Fatalf("failed to connect to MySQL: %v", err)
	}
	defer recorder.Close()

	if _, err := recorder.LoadOpenPositions(); err != nil {
		t.Fatalf("load open positions failed: %v", err)
	}
}

// mustEnv skips the test (not fails it) when the named variable is unset, matching the rest of
// this harness's safe-by-default posture.
func mustEnv(t *testing.T, name string) string {
	t.Helper()
	v := os.Getenv(name)
	if v == "" {
		t.Skipf("skipping: %s not set in .env.test.local", name)
	}
	return v
}
