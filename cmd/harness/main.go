// This command is only used for local testing: it exercises the key provider
// and request signer against either an in-process demo key source or a real
// ARM-backed source, without running the bridge server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/chinmina/cosmos-key-bridge/internal/azure"
	"github.com/chinmina/cosmos-key-bridge/internal/config"
	"github.com/chinmina/cosmos-key-bridge/internal/cosmos"
	"github.com/chinmina/cosmos-key-bridge/internal/keys"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Endpoint string `env:"HARNESS_COSMOS_ENDPOINT, default=https://localhost:8081"`

	TenantID       string `env:"HARNESS_ARM_TENANT_ID"`
	SubscriptionID string `env:"HARNESS_ARM_SUBSCRIPTION_ID"`
	ResourceGroup  string `env:"HARNESS_ARM_RESOURCE_GROUP"`
	AccountName    string `env:"HARNESS_ARM_ACCOUNT_NAME"`

	UseDemoKeySource bool `env:"HARNESS_USE_DEMO_KEY_SOURCE, default=true"`
	ExecuteDbsGet    bool `env:"HARNESS_EXECUTE_DBS_GET, default=false"`
}

func (c Config) hasARMSettings() bool {
	return c.SubscriptionID != "" && c.ResourceGroup != "" && c.AccountName != ""
}

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "\nFAILED: harness encountered an error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nSUCCESS: key cache + REST signing completed.")
}

func run(ctx context.Context) error {
	cfg := Config{}
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	fmt.Println("Cosmos endpoint:", cfg.Endpoint)

	source, err := newKeySource(cfg)
	if err != nil {
		return err
	}

	provider, err := keys.NewProvider(source, 5*time.Minute)
	if err != nil {
		return err
	}

	fmt.Println("\n1) Cold start single-flight demo...")
	if err := singleFlightDemo(ctx, provider); err != nil {
		return err
	}

	fmt.Println("\n2) REST request signing demo...")
	if err := signingDemo(ctx, provider, cfg.Endpoint); err != nil {
		return err
	}

	if !cfg.ExecuteDbsGet {
		fmt.Println("\n3) Skipping actual GET /dbs (set HARNESS_EXECUTE_DBS_GET=true to execute).")
		return nil
	}

	fmt.Println("\n3) Executing GET /dbs against Cosmos data plane...")
	return executeDemo(ctx, provider, cfg.Endpoint)
}

func newKeySource(cfg Config) (keys.Source, error) {
	if cfg.UseDemoKeySource {
		fmt.Println("Using in-process demo key source (forced; no Azure calls).")
		return demoKeySource(), nil
	}

	if cfg.hasARMSettings() {
		fmt.Println("Using ARM-backed key source via DefaultAzureCredential.")
		if cfg.TenantID != "" {
			fmt.Println("Using explicit tenantId:", cfg.TenantID)
		}

		return azure.NewARMSource(config.KeysConfig{
			TenantID:       cfg.TenantID,
			SubscriptionID: cfg.SubscriptionID,
			ResourceGroup:  cfg.ResourceGroup,
			AccountName:    cfg.AccountName,
		})
	}

	fmt.Println("Using in-process demo key source (no Azure calls).")
	fmt.Println("Set HARNESS_USE_DEMO_KEY_SOURCE=false and fill in HARNESS_ARM_* to use real ARM.")
	return demoKeySource(), nil
}

// demoKeySource yields a scripted sequence of key pairs, simulating a
// rotation between the first and second fetch.
func demoKeySource() keys.Source {
	queue := []keys.AccountKeys{
		{PrimaryMasterKey: "ZGVtby1rZXktMQ==", SecondaryMasterKey: "ZGVtby1zZWNvbmRhcnktMQ=="},
		{PrimaryMasterKey: "ZGVtby1rZXktMg==", SecondaryMasterKey: "ZGVtby1zZWNvbmRhcnktMg=="},
	}

	var mu sync.Mutex
	return keys.SourceFunc(func(ctx context.Context) (keys.AccountKeys, error) {
		time.Sleep(100 * time.Millisecond)

		mu.Lock()
		defer mu.Unlock()

		if len(queue) == 0 {
			return keys.AccountKeys{
				PrimaryMasterKey:   "ZGVtby1rZXktMg==",
				SecondaryMasterKey: "ZGVtby1zZWNvbmRhcnktMg==",
			}, nil
		}

		next := queue[0]
		queue = queue[1:]
		return next, nil
	})
}

func singleFlightDemo(ctx context.Context, provider *keys.Provider) error {
	const concurrency = 50

	results := make(chan string, concurrency)
	errs := make(chan error, concurrency)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, err := provider.GetPrimary(ctx)
			if err != nil {
				errs <- err
				return
			}
			results <- key
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		return err
	}

	distinct := map[string]struct{}{}
	for key := range results {
		distinct[key] = struct{}{}
	}

	fmt.Printf("Distinct keys observed: %d (expected: 1)\n", len(distinct))
	if len(distinct) == 1 {
		fmt.Println("OK")
	} else {
		fmt.Println("WARNING: unexpected distinct key count")
	}
	return nil
}

func signingDemo(ctx context.Context, provider *keys.Provider, endpoint string) error {
	key, err := provider.GetPrimary(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/dbs", nil)
	if err != nil {
		return err
	}

	err = cosmos.SignRequest(req, "dbs", "", key, time.Now(), cosmos.DefaultAPIVersion)
	if err != nil {
		return err
	}

	fmt.Println("Request: GET", req.URL)
	fmt.Println("authorization:", req.Header.Get("authorization"))
	fmt.Println("x-ms-date:", req.Header.Get("x-ms-date"))
	fmt.Println("x-ms-version:", req.Header.Get("x-ms-version"))
	return nil
}

func executeDemo(ctx context.Context, provider *keys.Provider, endpoint string) error {
	executor, err := cosmos.NewExecutor(http.DefaultClient, provider)
	if err != nil {
		return err
	}

	factory := func(attempt int) (*cosmos.UnsignedRequest, error) {
		return cosmos.Get(endpoint + "/dbs"), nil
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	resp, err := executor.Send(ctx, factory, "dbs", "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	fmt.Println("HTTP", resp.StatusCode)

	preview := make([]byte, 2000)
	n, _ := resp.Body.Read(preview)
	fmt.Println(string(preview[:n]))

	fmt.Println("\nSUCCESS: GET /dbs executed.")
	return nil
}
