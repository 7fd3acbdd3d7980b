package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/coralstack/coralkm/pkg/clock"
	"github.com/coralstack/coralkm/pkg/engine"
	"github.com/coralstack/coralkm/pkg/guardianlifecycle"
	"github.com/coralstack/coralkm/pkg/log"
	"github.com/coralstack/coralkm/pkg/message"
	"github.com/coralstack/coralkm/pkg/metrics"
	"github.com/coralstack/coralkm/pkg/namespacesync"
	"github.com/coralstack/coralkm/pkg/recovery"
	"github.com/coralstack/coralkm/pkg/sharemanager"
	"github.com/coralstack/coralkm/pkg/store"
	"github.com/coralstack/coralkm/pkg/transport"
	"github.com/coralstack/coralkm/pkg/types"
	"github.com/coralstack/coralkm/pkg/wallet"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "coralkmd",
	Short: "CoralKM demo — decentralized threshold key management over an in-memory protocol",
	Long: `coralkmd runs a single wallet, gateway, and a set of guardians inside one
process, wired together over an in-memory Mediator, and walks through
namespace provisioning, guardian admission, share resplitting, and a full
recovery ceremony.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("data-dir", "./coralkmd-data", "Data directory for gateway and guardian BoltDB stores")
	rootCmd.PersistentFlags().Duration("guardian-ttl", types.RecoveryRequestTTL, "Lifetime of a guardian recovery request before it expires unprocessed")

	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(demoCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run the end-to-end provisioning, resplit, and recovery walkthrough",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		guardianTTL, _ := cmd.Flags().GetDuration("guardian-ttl")
		return runDemo(dataDir, guardianTTL)
	},
}

const (
	gatewayIdentity types.Identity = "gateway-1"
	walletIdentity  types.Identity = "wallet-1"
)

var guardianIdentities = []types.Identity{"guardian-1", "guardian-2", "guardian-3"}

func runDemo(dataDir string, guardianTTL time.Duration) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	broker := transport.NewBroker()
	clk := clock.System{}

	gatewayStore, err := store.NewBoltNamespaceStore(filepath.Join(dataDir, "gateway"))
	if err != nil {
		return fmt.Errorf("open gateway store: %w", err)
	}
	defer gatewayStore.Close()

	gatewayEngine := engine.New(gatewayIdentity, broker, engine.RoleGateway)
	gatewayEngine.RegisterHandler(message.TypeNamespaceRequest, namespacesync.ProvisionHandler(gatewayIdentity, gatewayStore))
	gatewayEngine.RegisterHandler(message.TypeNamespaceSync, namespacesync.GatewayHandler(gatewayIdentity, gatewayStore))

	guardianEngines := make(map[types.Identity]*engine.ProtocolEngine, len(guardianIdentities))
	for _, g := range guardianIdentities {
		gStore, err := store.NewBoltGuardianStore(filepath.Join(dataDir, string(g)))
		if err != nil {
			return fmt.Errorf("open guardian store for %s: %w", g, err)
		}
		defer gStore.Close()

		e := engine.New(g, broker, engine.RoleGuardian)
		e.RegisterHandler(message.TypeGuardianRequest, guardianlifecycle.RequestHandler(g, gStore))
		e.RegisterHandler(message.TypeGuardianRemove, guardianlifecycle.RemoveHandler(g, gStore))
		e.RegisterHandler(message.TypeGuardianShareUpdate, sharemanager.GuardianHandler(g, gStore))
		e.RegisterHandler(message.TypeNamespaceRecoveryRequest, recovery.GuardianRequestHandler(g, gStore, clk))
		e.RegisterHandler(message.TypeGuardianVerificationChallengeResponse, recovery.GuardianChallengeResponseHandler(g, gStore, clk))
		guardianEngines[g] = e
	}

	walletFacade, err := wallet.New(walletIdentity, gatewayIdentity, broker, rand.Reader, clk)
	if err != nil {
		return fmt.Errorf("build wallet: %w", err)
	}
	walletFacade.WithGuardianTTL(guardianTTL)
	walletEngine := engine.New(walletIdentity, broker, engine.RoleWallet)
	walletFacade.RegisterHandlers(walletEngine)

	collector := metrics.NewCollector(walletFacade)
	collector.Start()
	defer collector.Stop()

	metricsAddr := "127.0.0.1:9090"
	go func() {
		http.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(metricsAddr, nil); err != nil {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()
	fmt.Printf("metrics: http://%s/metrics\n", metricsAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go gatewayEngine.Run(ctx)
	for _, e := range guardianEngines {
		go e.Run(ctx)
	}
	go walletEngine.Run(ctx)

	fmt.Println("requesting namespace from gateway...")
	if _, err := walletFacade.RequestNamespace(ctx); err != nil {
		return fmt.Errorf("request namespace: %w", err)
	}
	time.Sleep(200 * time.Millisecond)

	for _, g := range guardianIdentities {
		fmt.Printf("requesting guardian admission from %s...\n", g)
		if _, err := walletFacade.RequestGuardian(ctx, g); err != nil {
			return fmt.Errorf("request guardian %s: %w", g, err)
		}
		time.Sleep(200 * time.Millisecond)
	}

	fmt.Printf("wallet now has %d granted guardians\n", walletFacade.GuardianCount())

	namespace := walletFacade.Namespace()
	if namespace == nil {
		return fmt.Errorf("namespace was never granted")
	}

	recoveringWallet, err := wallet.New("wallet-1-recovering", gatewayIdentity, broker, rand.Reader, clk)
	if err != nil {
		return fmt.Errorf("build recovering wallet: %w", err)
	}
	restored := make(chan wallet.Backup, 1)
	recoveringWallet.OnRecovered = func(b wallet.Backup) { restored <- b }
	recoveringEngine := engine.New("wallet-1-recovering", broker, engine.RoleWallet)
	recoveringWallet.RegisterHandlers(recoveringEngine)
	go recoveringEngine.Run(ctx)

	fmt.Println("starting recovery ceremony against the granted guardians...")
	if _, err := recoveringWallet.Recover(ctx, guardianIdentities, *namespace); err != nil {
		return fmt.Errorf("start recovery: %w", err)
	}

	select {
	case backup := <-restored:
		fmt.Printf("recovery complete: restored %d guardians\n", len(backup.Guardians))
	case <-time.After(5 * time.Second):
		fmt.Println("recovery did not complete within 5s")
	}

	fmt.Println("demo complete.")
	return nil
}
