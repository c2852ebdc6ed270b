package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/forensic-logging/sidecar/internal/framing"
	"github.com/spf13/cobra"
)

var (
	addr  string
	count int
	delay time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "sidecar-client [message...]",
	Short: "Send framed log messages to a sidecar",
	Long: `Sends each argument as one length-prefixed message. Without arguments,
every line read from stdin is sent as a message.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
		if err != nil {
			return fmt.Errorf("failed to connect to sidecar: %w", err)
		}
		defer conn.Close()

		fmt.Printf("Connected to sidecar at %s\n", addr)

		sent := 0
		send := func(message string) error {
			frame, err := framing.Encode([]byte(message))
			if err != nil {
				return err
			}
			if _, err := conn.Write(frame); err != nil {
				return fmt.Errorf("failed to send message: %w", err)
			}
			sent++
			if delay > 0 {
				time.Sleep(delay)
			}
			return nil
		}

		if len(args) > 0 {
			for i := 0; i < count; i++ {
				for _, message := range args {
					if err := send(message); err != nil {
						return err
					}
				}
			}
		} else {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				if err := send(scanner.Text()); err != nil {
					return err
				}
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("failed to read stdin: %w", err)
			}
		}

		fmt.Printf("Sent %d messages\n", sent)
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVar(&addr, "addr", "localhost:5678", "sidecar listen address")
	rootCmd.Flags().IntVar(&count, "count", 1, "times to send the given messages")
	rootCmd.Flags().DurationVar(&delay, "delay", 0, "pause between messages")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
