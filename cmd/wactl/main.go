package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	"whatsapp-dashboard/internal/helper"
)

type options struct {
	url      string
	username string
	password string
}

func (o *options) client() *GatewayClient {
	return NewGatewayClient(o.url, o.username, o.password)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "wactl",
		Short:         "Command-line client for the WhatsApp gateway API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.url, "url", envOr("WACTL_URL", "http://localhost:2121"), "gateway base URL")
	cmd.PersistentFlags().StringVar(&opts.username, "user", os.Getenv("WACTL_USERNAME"), "admin username (empty when auth is disabled)")
	cmd.PersistentFlags().StringVar(&opts.password, "password", os.Getenv("WACTL_PASSWORD"), "admin password")

	cmd.AddCommand(
		newLoginCommand(opts),
		newStartCommand(opts),
		newStatusCommand(opts),
		newDisconnectCommand(opts),
		newSendCommand(opts),
		newBroadcastCommand(opts),
	)
	return cmd
}

func newLoginCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Check the admin credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.username == "" {
				return fmt.Errorf("--user is required")
			}
			if err := opts.client().Login(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "login ok")
			return nil
		},
	}
}

func newStartCommand(opts *options) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "start <session-id>",
		Short: "Start a session and optionally wait for it to connect",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := opts.client()
			st, err := client.StartSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s: %s\n", args[0], st.Status)
			if wait <= 0 {
				return nil
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			return waitConnected(ctx, client, args[0], cmd.OutOrStdout(), time.Second)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait up to this long for the session to connect, printing QR codes")
	return cmd
}

// waitConnected polls the session status and prints every new QR code.
func waitConnected(ctx context.Context, client *GatewayClient, id string, out io.Writer, every time.Duration) error {
	lastQR := ""
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		st, err := client.Status(ctx, id)
		if err != nil {
			return err
		}
		switch st.Status {
		case "connected":
			fmt.Fprintf(out, "session %s connected\n", id)
			return nil
		case "logged_out":
			return fmt.Errorf("session %s was logged out", id)
		}
		if st.HasQR {
			qr, err := client.QR(ctx, id)
			if err == nil && qr.QR != lastQR {
				lastQR = qr.QR
				fmt.Fprintln(out, "scan this QR code with WhatsApp:")
				qrterminal.GenerateHalfBlock(qr.QR, qrterminal.L, out)
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("session %s not connected: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

func newStatusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show a session's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.client().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", args[0], st.Status)
			return nil
		},
	}
}

func newDisconnectCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <session-id>",
		Short: "Log a session out and remove its credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().Disconnect(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s disconnected\n", args[0])
			return nil
		},
	}
}

func newSendCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:     "send <session-id> <number> <message>",
		Short:   "Send a text message",
		Example: "wactl send main 628123456789 'hello there'",
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := opts.client().Send(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s\n", res.MessageID, res.To)
			return nil
		},
	}
}

func newBroadcastCommand(opts *options) *cobra.Command {
	var (
		numbers []string
		file    string
		delay   float64
	)
	cmd := &cobra.Command{
		Use:     "broadcast <session-id> <message>",
		Short:   "Send one message to many numbers and print the tally",
		Example: "wactl broadcast main 'promo' --numbers 62811,62822 --delay 5",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				records, err := helper.ReadSheet(file, data)
				if err != nil {
					return err
				}
				for _, r := range records {
					numbers = append(numbers, r.Phone)
				}
			}
			if len(numbers) == 0 {
				return fmt.Errorf("no recipients: use --numbers or --file")
			}

			report, err := opts.client().Broadcast(cmd.Context(), args[0], numbers, args[1], delay)
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&numbers, "numbers", nil, "comma separated recipients")
	cmd.Flags().StringVar(&file, "file", "", "CSV or XLSX file with a phone column")
	cmd.Flags().Float64Var(&delay, "delay", 3, "seconds between sends")
	return cmd
}

func printReport(w io.Writer, r BroadcastReport) {
	for _, res := range r.Results {
		if res.Success {
			fmt.Fprintf(w, "ok\t%s\t%s\n", res.Recipient, res.MessageID)
		} else {
			fmt.Fprintf(w, "fail\t%s\t%s\n", res.Recipient, strings.TrimSpace(res.Error))
		}
	}
	fmt.Fprintf(w, "sent %d, succeeded %d, failed %d\n", r.Sent, r.Succeeded, r.Failed)
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
