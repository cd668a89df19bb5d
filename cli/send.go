package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cyberinferno/sensor-ingest/sensorclient"
)

type sendFlags struct {
	addr      string
	file      string
	interval  time.Duration
	delimiter string
	sentinel  string
	abort     bool
}

func newSendCommand() *cobra.Command {
	var f sendFlags

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send records to an ingest server",
		Long: `Read records, one per line, from a file or stdin and send each one to the
ingest server, then send the sentinel and disconnect. With --abort the
connection is dropped without the sentinel.`,
		Example: `  sensor-ingest send --addr localhost:10000 --file gaze.csv --interval 20ms
  printf 'a,1\nb,2\n' | sensor-ingest send --addr localhost:10000 --delimiter '\n'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if f.file != "" && f.file != "-" {
				file, err := os.Open(f.file)
				if err != nil {
					return fmt.Errorf("failed to open %s: %w", f.file, err)
				}
				defer file.Close()
				in = file
			}

			sent, err := sendRecords(cmd.Context(), in, f)
			fmt.Fprintf(cmd.OutOrStdout(), "sent %d records to %s\n", sent, f.addr)
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.addr, "addr", "a", "localhost:10000", "Ingest server host:port")
	flags.StringVarP(&f.file, "file", "f", "", "Read records from this file instead of stdin")
	flags.DurationVarP(&f.interval, "interval", "i", 0, "Pause between records")
	flags.StringVarP(&f.delimiter, "delimiter", "d", "", `Appended to each record; "\n" for line framing`)
	flags.StringVar(&f.sentinel, "sentinel", "CLOSE", "Sent before disconnecting")
	flags.BoolVar(&f.abort, "abort", false, "Disconnect without sending the sentinel")

	return cmd
}

// sendRecords streams every non-empty line of in to the server. It returns the
// number of records written before the first error.
func sendRecords(ctx context.Context, in io.Reader, f sendFlags) (int, error) {
	cfg := sensorclient.DefaultConfig(f.addr)
	cfg.Sentinel = f.sentinel
	cfg.Delimiter = unescapeDelimiter(f.delimiter)

	client := sensorclient.New(cfg)
	if err := client.Connect(); err != nil {
		return 0, err
	}

	sent := 0
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		if sent > 0 && f.interval > 0 {
			select {
			case <-ctx.Done():
				_ = client.Abort()
				return sent, ctx.Err()
			case <-time.After(f.interval):
			}
		}

		if err := client.Send(line); err != nil {
			_ = client.Abort()
			return sent, err
		}
		sent++
	}

	if err := scanner.Err(); err != nil {
		_ = client.Abort()
		return sent, fmt.Errorf("failed to read records: %w", err)
	}

	if f.abort {
		return sent, client.Abort()
	}

	return sent, client.Close()
}

// unescapeDelimiter turns the shell-friendly escapes \n, \r\n and \t into
// their control characters.
func unescapeDelimiter(s string) string {
	switch s {
	case `\n`:
		return "\n"
	case `\r\n`:
		return "\r\n"
	case `\t`:
		return "\t"
	default:
		return s
	}
}
