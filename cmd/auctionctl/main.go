package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudx-io/pennyauction/server"
)

var (
	engineAddr   string
	vsockCID     uint32
	vsockPort    uint32
	timeout      time.Duration
	outputFormat string
	rootCmd      *cobra.Command
)

// exitError carries the process exit code: 1 for a failed check or a
// rejected request, 2 for invalid input or runtime errors.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func init() {
	rootCmd = &cobra.Command{
		Use:   "auctionctl",
		Short: "Operate and inspect a penny auction engine",
		Long: `auctionctl talks to an auction engine over the engine protocol (TCP or vsock)
and verifies claim vouchers issued by it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultAddr := os.Getenv("ENGINE_ADDR")
	if defaultAddr == "" {
		defaultAddr = "localhost:7400"
	}
	rootCmd.PersistentFlags().StringVar(&engineAddr, "addr", defaultAddr, "Engine protocol address (host:port)")
	rootCmd.PersistentFlags().Uint32Var(&vsockCID, "vsock-cid", 0, "Dial the engine over vsock at this context ID instead of TCP")
	rootCmd.PersistentFlags().Uint32Var(&vsockPort, "vsock-port", 5000, "Engine vsock port (with --vsock-cid)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "text", "Output format: text or json")

	rootCmd.AddCommand(pingCmd, statusCmd, bidCmd, claimCmd, verifyVoucherCmd, publicKeyCmd)
}

func newClient() *server.Client {
	if vsockCID != 0 {
		return server.NewVsockClient(vsockCID, vsockPort, timeout)
	}
	return server.NewTCPClient(engineAddr, timeout)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		code := 2
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			code = exitErr.code
		}
		os.Exit(code)
	}
}

func failed(format string, args ...any) error {
	return &exitError{code: 1, err: fmt.Errorf(format, args...)}
}
