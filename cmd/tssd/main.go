// Command tssd runs the threshold-signature daemon (spec.md §1, §6):
// a gRPC server fronting C3 (kv), C4 (mnemonic), C8 (orchestrator) and
// C9 (recovery) behind the wire surface of the rpc package.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/sage-x-project/tssd/engine/fixture"
	"github.com/sage-x-project/tssd/internal/logger"
	"github.com/sage-x-project/tssd/kv/encrypted"
	"github.com/sage-x-project/tssd/kv/manager"
	"github.com/sage-x-project/tssd/mnemonic"
	"github.com/sage-x-project/tssd/orchestrator"
	"github.com/sage-x-project/tssd/recovery"
	"github.com/sage-x-project/tssd/rpc"
)

var (
	flagAddress     string
	flagPort        uint16
	flagUnsafe      bool
	flagNoPassword  bool
	flagMnemonicCmd string
	flagDirectory   string
)

var rootCmd = &cobra.Command{
	Use:   "tssd",
	Short: "tssd - threshold-signature daemon",
	Long: `tssd serves keygen, sign, and recovery RPCs over a multi-share
threshold-ECDSA protocol. Key material is held in an encrypted KV
store rooted at --directory, unlocked with a password read from
stdin unless --unsafe or --no-password is set.`,
	RunE: runDaemon,
}

func init() {
	defaultDir := os.Getenv("TOFND_HOME")
	if defaultDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			defaultDir = filepath.Join(home, ".tofnd")
		} else {
			defaultDir = ".tofnd"
		}
	}

	flags := rootCmd.Flags()
	flags.StringVar(&flagAddress, "address", "localhost", "address to listen on")
	flags.Uint16Var(&flagPort, "port", 50051, "port to listen on")
	flags.BoolVar(&flagUnsafe, "unsafe", false, "use an in-memory store and skip password verification (testing only)")
	flags.BoolVar(&flagNoPassword, "no-password", false, "unlock the store with a fixed empty password instead of prompting")
	flags.StringVar(&flagMnemonicCmd, "mnemonic", string(mnemonic.Existing), "mnemonic command: existing|create|import|export|rotate")
	flags.StringVar(&flagDirectory, "directory", defaultDir, "directory holding the encrypted store and mnemonic export file")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tssd: %v\n", err)
		os.Exit(1)
	}
}

// readPassword obtains the store password per the --unsafe/--no-password
// flags (spec.md §6): --unsafe never touches a password at all (it
// runs against an in-memory store), --no-password unlocks with a
// fixed empty password, and the default prompts on stdin so a
// password is never left sitting in shell history or a process
// argument list.
func readPassword() (string, error) {
	if flagNoPassword {
		return "", nil
	}
	fmt.Fprint(os.Stderr, "tssd password: ")
	var pw string
	if _, err := fmt.Scanln(&pw); err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return pw, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	log := logger.NewDefault()
	defer log.Sync()

	store, storeDesc, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	kv := manager.New(store)
	defer kv.Close()
	log.Info("store opened", logger.String("backend", storeDesc))

	exportPath := filepath.Join(flagDirectory, "export")
	mn := mnemonic.New(kv, exportPath)
	serve, err := runMnemonicCommand(mn, mnemonic.Command(flagMnemonicCmd))
	if err != nil {
		return err
	}
	log.Info("mnemonic command completed", logger.String("command", flagMnemonicCmd))
	if !serve {
		return nil
	}

	// The reference engine is spec.md §9's fixture implementation;
	// replacing it with the real GG20 rounds is out of scope here.
	orch := orchestrator.New(kv, fixture.KeygenEngine{}, fixture.SignEngine{}, log)
	orch.KeypairGen = func(partyUID string, sessionNonce []byte) ([]byte, error) {
		seed, err := mn.Seed()
		if err != nil {
			return nil, fmt.Errorf("derive keypair: %w", err)
		}
		defer seed.Zeroize()
		return mnemonic.DerivePartyKeypair(seed, partyUID, sessionNonce), nil
	}

	rec := recovery.New(kv, mn, fixture.KeygenEngine{})
	daemon := rpc.New(orch, rec, kv)

	addr := net.JoinHostPort(flagAddress, fmt.Sprintf("%d", flagPort))
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := rpc.NewGRPCServer(daemon, unaryLog(log))

	errCh := make(chan error, 1)
	go func() {
		log.Info("tssd listening", logger.String("address", addr))
		errCh <- srv.Serve(lis)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		log.Info("shutting down")
		done := make(chan struct{})
		go func() {
			srv.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			srv.Stop()
		}
		return nil
	}
}

// openStore picks the encrypted-store backend for --unsafe/--no-password
// and --directory (spec.md §6): --unsafe always uses an in-memory
// store regardless of --directory, so no store data reaches disk; the
// mnemonic export file is still written under --directory.
func openStore() (*encrypted.Store, string, error) {
	if flagUnsafe {
		store, err := encrypted.OpenMemory("")
		return store, "memory", err
	}

	if err := os.MkdirAll(flagDirectory, 0o700); err != nil {
		return nil, "", fmt.Errorf("create directory %s: %w", flagDirectory, err)
	}
	password, err := readPassword()
	if err != nil {
		return nil, "", err
	}
	store, err := encrypted.Open(filepath.Join(flagDirectory, "kvstore"), password)
	return store, flagDirectory, err
}

// unaryLog is tssd's equivalent of the teacher's test-server logging
// interceptor, adapted to the Recover/KeyPresence unary RPCs.
func unaryLog(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, h grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := h(ctx, req)
		log.Info("rpc",
			logger.String("method", info.FullMethod),
			logger.String("code", status.Code(err).String()),
			logger.Duration("duration", time.Since(start)),
		)
		return resp, err
	}
}
