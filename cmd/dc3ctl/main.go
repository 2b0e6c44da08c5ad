// dc3ctl is the host-side control CLI: it speaks the framed
// request/response protocol to a DC3 board over UDP or serial and exposes
// one verb per board operation.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/shlex"

	"dc3/bus"
	"dc3/protocol"
	"dc3/transport/serialtransport"
	"dc3/transport/udptransport"
	"dc3/wire"
)

const verbTimeout = 35 * time.Second

func usage() {
	fmt.Fprint(os.Stderr, `usage: dc3ctl [connection] <verb> [key=value ...]

connection (mutually exclusive):
  -i ip -p remote_port -l local_port    UDP
  -s dev -b baud                        serial

verbs:
  get_mode                              read the boot mode
  set_mode mode=Bootloader|Application  set the boot mode
  flash type=Application file=path      stream a firmware image
  ram_test                              run the RAM self-test
  read_i2c dev=EEPROM|SNROM|EUIROM start=N bytes=N acc=QPC|FRT|BARE
  write_i2c dev=EEPROM start=N bytes=N data="b0,b1,..." acc=QPC|FRT|BARE
  get_dbg_modules                       read the debug masks
  set_dbg_modules modules=MASK          set the module trace mask
  set_dbg_device devices=MASK           set the device trace mask
  get_db_elem elem=NAME acc=...         read a settings element
  reset_db                              reset the settings database

  --help after a verb prints this text as well.
`)
}

func main() {
	var (
		remoteIP   = flag.String("i", "", "device IP (UDP)")
		remotePort = flag.Int("p", 53432, "device UDP port")
		localPort  = flag.Int("l", 53433, "local UDP port")
		serialDev  = flag.String("s", "", "serial device")
		baud       = flag.Int("b", 115200, "serial baud rate")
	)
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 || args[0] == "--help" {
		usage()
		if len(args) == 0 {
			os.Exit(1)
		}
		return
	}
	verb := args[0]
	for _, a := range args[1:] {
		if a == "--help" {
			usage()
			return
		}
	}
	kv, err := parseKV(args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "dc3ctl: %s: %v\n", verb, err)
		os.Exit(1)
	}

	if (*remoteIP != "") == (*serialDev != "") {
		fmt.Fprintln(os.Stderr, "dc3ctl: exactly one of -i (UDP) or -s (serial) must be given")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), verbTimeout)
	defer cancel()

	b := bus.NewBus(8)
	client := protocol.NewClient(b.NewConnection("client"))
	go client.Run(ctx)

	var route wire.Route
	if *remoteIP != "" {
		route = wire.RouteUDPClient
		ep := udptransport.New(b.NewConnection("udp"), udptransport.Config{
			LocalPort: *localPort, RemoteIP: *remoteIP, RemotePort: *remotePort,
		})
		go ep.Run(ctx)
	} else {
		route = wire.RouteSerial
		ep := serialtransport.New(b.NewConnection("serial"), serialtransport.Config{
			Device: *serialDev, Baud: *baud,
		})
		go ep.Run(ctx)
		go printDebugLines(ctx, b)
	}

	if err := runVerb(ctx, client, route, verb, kv); err != nil {
		fmt.Fprintf(os.Stderr, "dc3ctl: %s: %v\n", verb, err)
		os.Exit(1)
	}
}

// parseKV tokenizes the verb's arguments: each argument is a key=value
// pair, and an argument may itself be a quoted blob of several pairs (the
// scripted form), which shlex re-splits the way a shell would.
func parseKV(args []string) (map[string]string, error) {
	tokens, err := shlex.Split(strings.Join(args, " "))
	if err != nil {
		return nil, err
	}
	kv := make(map[string]string, len(tokens))
	for _, tok := range tokens {
		k, v, ok := strings.Cut(tok, "=")
		if !ok {
			return nil, fmt.Errorf("argument %q is not key=value", tok)
		}
		kv[k] = v
	}
	return kv, nil
}

// printDebugLines mirrors debug-prefixed serial lines to stderr so board
// traces interleave with the CLI's own output instead of being dropped.
func printDebugLines(ctx context.Context, b *bus.Bus) {
	conn := b.NewConnection("debugtap")
	sub := conn.Subscribe(serialtransport.TopicDebugRX)
	defer conn.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			if line, ok := msg.Payload.([]byte); ok {
				fmt.Fprintf(os.Stderr, "%s\n", line)
			}
		}
	}
}
