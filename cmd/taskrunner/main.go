// Package main is the TEE task entrypoint the compute platform launches for
// each phase. Positional arguments arrive with secret bindings already
// injected by the platform; the output record is written to stdout as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/sealedai/relay/internal/secretrelay"
	"github.com/sealedai/relay/pkg/logger"
	"github.com/sealedai/relay/tee/engine"
	"github.com/sealedai/relay/tee/keygen"
	"github.com/sealedai/relay/tee/oracle"
	"github.com/sealedai/relay/tee/types"
)

func main() {
	var (
		phase         = flag.String("phase", "", "Task phase: keygen or oracle")
		relayURL      = flag.String("relay-url", "", "Secret relay base URL (keygen phase)")
		relayIdentity = flag.String("relay-identity", "relay-system", "Relay signing identity")
		simulated     = flag.Bool("simulated", false, "Use the canned provider registry")
		envFile       = flag.String("env", "", "Optional .env file")
		timeout       = flag.Duration("timeout", 2*time.Minute, "Phase execution timeout")
	)
	flag.Parse()

	if *envFile != "" {
		_ = godotenv.Load(*envFile)
	}

	log := logger.NewDefault("taskrunner").WithField("phase", *phase)
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	record, err := run(ctx, *phase, flag.Args(), *relayURL, *relayIdentity, *simulated, log)
	if err != nil {
		log.WithError(err).Fatal("task phase failed")
	}
	fmt.Println(string(record))
}

func run(ctx context.Context, phase string, args []string, relayURL, relayIdentity string, simulated bool, log *logger.Logger) ([]byte, error) {
	switch phase {
	case "keygen":
		var rel types.SecretRelay
		if relayURL != "" {
			client, err := secretrelay.New(secretrelay.Config{
				BaseURL:  relayURL,
				Identity: relayIdentity,
			})
			if err != nil {
				return nil, fmt.Errorf("build relay client: %w", err)
			}
			rel = client
		} else {
			log.Warn("no relay configured; sealed material will not reach phase 2")
		}

		in, err := engine.ParseKeyGenArgs(args)
		if err != nil {
			return nil, err
		}
		out := keygen.New(rel, log).Run(ctx, in)
		return json.Marshal(out)

	case "oracle":
		in, err := engine.ParseOracleArgs(args)
		if err != nil {
			return nil, err
		}
		registry := oracle.NewRegistry(oracle.RegistryConfig{
			Simulated: simulated,
			Endpoints: endpointOverrides(),
		})
		out := oracle.New(registry, log).Run(ctx, in)
		return json.Marshal(out)

	default:
		return nil, fmt.Errorf("unknown phase %q (want keygen or oracle)", phase)
	}
}

// endpointOverrides reads provider endpoint overrides from the environment,
// e.g. PROVIDER_ENDPOINT_CUSTOM for the "custom" provider.
func endpointOverrides() map[string]string {
	overrides := make(map[string]string)
	for _, name := range []string{oracle.ProviderOpenAI, oracle.ProviderAnthropic, oracle.ProviderMistral, oracle.ProviderCustom} {
		if v := os.Getenv("PROVIDER_ENDPOINT_" + strings.ToUpper(name)); v != "" {
			overrides[name] = v
		}
	}
	if len(overrides) == 0 {
		return nil
	}
	return overrides
}
