package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/splax/edgelogger/pkg/client"
	"github.com/splax/edgelogger/pkg/config"
	"github.com/splax/edgelogger/pkg/jwt"
)

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "send":
		err = commandSend(args)
	case "token":
		err = commandToken(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// metricFlags collects repeated --metric name=value pairs.
type metricFlags map[string]float64

func (m metricFlags) String() string {
	parts := make([]string, 0, len(m))
	for name, value := range m {
		parts = append(parts, name+"="+strconv.FormatFloat(value, 'g', -1, 64))
	}
	return strings.Join(parts, ",")
}

func (m metricFlags) Set(raw string) error {
	name, value, ok := strings.Cut(raw, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return fmt.Errorf("metric %q must look like name=value", raw)
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fmt.Errorf("metric %q: %w", name, err)
	}
	m[name] = parsed
	return nil
}

func commandSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	addr := fs.String("addr", config.GetString("INGEST_ADDR", "127.0.0.1:8000"), "Ingest server address")
	machine := fs.String("machine", "", "Machine identifier")
	framing := fs.String("framing", config.GetString("INGEST_FRAMING", config.FramingLength), "Framing mode (length|newline)")
	timeout := fs.Duration("timeout", 5*time.Second, "Per-message timeout")
	metrics := metricFlags{}
	fs.Var(metrics, "metric", "Metric as name=value (repeatable)")
	fs.Parse(args)

	machineID := strings.TrimSpace(*machine)
	piped := !term.IsTerminal(int(os.Stdin.Fd()))
	if machineID == "" && !piped {
		return errors.New("--machine is required")
	}

	ctx := context.Background()
	c, err := client.Dial(ctx, *addr, client.Options{Framing: *framing, Timeout: *timeout})
	if err != nil {
		return err
	}
	defer c.Close()

	if machineID == "" {
		return sendLines(ctx, c, *timeout)
	}
	reply, err := c.Send(ctx, client.Event{MachineID: machineID, Metrics: metrics})
	printReply(reply)
	return err
}

// sendLines forwards each non-empty stdin line as one raw message.
func sendLines(ctx context.Context, c *client.Client, timeout time.Duration) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	failed := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		msgCtx, cancel := context.WithTimeout(ctx, timeout)
		reply, err := c.SendRaw(msgCtx, []byte(line))
		cancel()
		if err != nil && !errors.Is(err, client.ErrRejected) {
			return err
		}
		if err != nil {
			failed++
		}
		printReply(reply)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	if failed > 0 {
		return fmt.Errorf("%d message(s) rejected", failed)
	}
	return nil
}

func printReply(reply client.Reply) {
	if reply.Status == "" {
		return
	}
	fmt.Printf("%s\t%s\t%s\n", reply.Status, reply.Timestamp, reply.Message)
}

func commandToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	secret := fs.String("secret", config.GetString("QUERY_JWT_SECRET", ""), "Query API signing secret")
	machine := fs.String("machine", "", "Restrict the token to one machine (optional)")
	subject := fs.String("subject", "edgectl", "Token subject")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	fs.Parse(args)

	if strings.TrimSpace(*secret) == "" {
		return errors.New("--secret or QUERY_JWT_SECRET is required")
	}
	if *ttl <= 0 {
		return errors.New("--ttl must be positive")
	}
	token, err := jwt.GenerateToken(*subject, *machine, *secret, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func printUsage() {
	fmt.Printf("edgectl %s\n\n", buildVersion)
	fmt.Print(`Usage:
	edgectl send --machine <id> --metric temp=21.5 [--metric rpm=900] [--addr host:port] [--framing length|newline]
	edgectl send [--addr host:port] < events.jsonl
	edgectl token --secret <secret> [--machine <id>] [--ttl 24h]
	edgectl version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
