// Command genesis is the fabric's single binary, following
// cmd/hector/main.go's kong-subcommand convention of a thin entrypoint
// delegating each subcommand's real work to package code. It hosts two
// spec.md §6 roles:
//
//	genesis interface --select-service billing_service -m "what do I owe?"
//	genesis agent --config agent.yaml
//
// Both subcommands' logic lives in internal/cli so it can be exercised by
// tests without spawning a process.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/genesis-fabric/genesis/internal/bus"
	"github.com/genesis-fabric/genesis/internal/cli"
	"github.com/genesis-fabric/genesis/internal/rpc"
)

// CLI mirrors spec.md §6's CLI surface exactly; flag names are given
// explicitly so renaming a Go field can never silently change the wire
// surface tests depend on.
type CLI struct {
	Interface InterfaceCmd `cmd:"" default:"1" help:"Discover one agent and send it messages."`
	Agent     AgentCmd     `cmd:"" help:"Host one agent, serving requests until stopped."`

	Verbose bool `name:"verbose" short:"v" help:"Enable debug-level logging."`
}

// InterfaceCmd is spec.md §6's interface role: discover one agent by
// service name, name, or first-arrival, send it one or more messages, and
// print the replies.
type InterfaceCmd struct {
	SelectService string `name:"select-service" help:"Match the agent whose service_name equals this value."`
	SelectName    string `name:"select-name" help:"Match the agent whose advertised name equals this value."`
	SelectFirst   bool   `name:"select-first" help:"Match whichever agent advertisement arrives first."`

	Message      []string `name:"message" short:"m" help:"A message to send; repeat for a multi-turn conversation."`
	MessagesFile string   `name:"messages-file" type:"path" help:"File of newline-separated messages, sent after any --message flags."`

	MaxWait        time.Duration `name:"max-wait" default:"10s" help:"How long to wait for a matching agent advertisement."`
	ConnectTimeout time.Duration `name:"connect-timeout" default:"5s" help:"How long to wait for the matched agent to bind an RPC replier."`
	RequestTimeout time.Duration `name:"request-timeout" default:"30s" help:"How long to wait for a reply to each message."`
	SleepBetween   time.Duration `name:"sleep-between" default:"0s" help:"Pause between successive messages."`
}

func (c *InterfaceCmd) Run(root *CLI) error {
	initLogger(root.Verbose)

	ctx, cancel := signalContext()
	defer cancel()

	b := bus.New(0)
	broker := rpc.NewBroker()

	opts := cli.Options{
		SelectService:  c.SelectService,
		SelectName:     c.SelectName,
		SelectFirst:    c.SelectFirst,
		Messages:       c.Message,
		MessagesFile:   c.MessagesFile,
		MaxWait:        c.MaxWait,
		ConnectTimeout: c.ConnectTimeout,
		RequestTimeout: c.RequestTimeout,
		SleepBetween:   c.SleepBetween,
		Verbose:        root.Verbose,
	}

	return cli.Execute(ctx, b, broker, opts, os.Stdout)
}

// AgentCmd is spec.md §6's agent role: load a config file describing one
// locally-hosted agent, construct it, advertise it, and serve requests
// over RPC until the process is stopped.
type AgentCmd struct {
	Config             string        `name:"config" short:"c" type:"path" required:"" help:"Path to the agent's YAML config file."`
	ServiceInstanceTag string        `name:"service-instance-tag" help:"Opaque instance tag carried on replies (spec.md §3's service_instance_tag)."`
	DelegateTimeout    time.Duration `name:"delegate-timeout" default:"30s" help:"How long to wait for a peer agent's reply when delegating."`
}

func (c *AgentCmd) Run(root *CLI) error {
	initLogger(root.Verbose)

	ctx, cancel := signalContext()
	defer cancel()

	b := bus.New(0)
	broker := rpc.NewBroker()

	opts := cli.AgentOptions{
		ConfigPath:         c.Config,
		ServiceInstanceTag: c.ServiceInstanceTag,
		DelegateTimeout:    c.DelegateTimeout,
	}

	return cli.RunAgent(ctx, b, broker, opts)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}

func main() {
	var c CLI
	kctx := kong.Parse(&c,
		kong.Name("genesis"),
		kong.Description("Genesis agent fabric: interface helper and agent host."),
		kong.UsageOnError(),
	)

	err := kctx.Run(&c)
	kctx.FatalIfErrorf(err)
}
