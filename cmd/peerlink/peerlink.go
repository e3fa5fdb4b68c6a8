// Program peerlink is a command-line utility for finding and talking to a
// peer on the local network.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/lanpeer/peerlink"
	"github.com/lanpeer/peerlink/beacon"
	"github.com/lanpeer/peerlink/query"
)

var flags struct {
	Listen    string        `flag:"listen,default=:48888,Listen for peer connections on this address"`
	PeerPort  int           `flag:"peer-port,default=48888,Dial discovered peers on this port"`
	Tag       string        `flag:"tag,default=PeerToPeerClient-beacon,Discovery tag shared by compatible peers"`
	Interval  time.Duration `flag:"beacon-interval,default=1s,Time between discovery beacons"`
	Heartbeat time.Duration `flag:"heartbeat,default=1s,Heartbeat interval on an idle link"`
	Timeout   time.Duration `flag:"timeout,default=3s,Close a link that is silent this long"`
	Address   string        `flag:"address,Use this local address instead of probing interfaces"`
	Verbose   bool          `flag:"v,Enable verbose logging"`
}

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Help:     "Utilities for finding and talking to a peer on the local network.",
		SetFlags: func(_ *command.Env, fs *flag.FlagSet) { flax.MustBind(fs, &flags) },
		Commands: []*command.C{
			{
				Name: "connect",
				Help: `Discover a peer and exchange messages with it.

Each line read from stdin is sent to the peer as a single message. Messages
received from the peer are printed to stdout. Messages of the form key:value
are printed as queries. The program exits when stdin ends, or after the link
is lost.`,
				Run: runConnect,
			},
			{
				Name: "listen",
				Help: "Print discovery beacons received from other hosts.",
				Run:  runListen,
			},
			{
				Name: "check",
				Help: "Report whether a network suitable for discovery is available.",
				Run: func(env *command.Env) error {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					addr, src, err := beacon.Resolve(ctx, sources())
					if err != nil {
						return err
					}
					fmt.Printf("network available: %v (via %s)\n", addr, src.Name)
					return nil
				},
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func logger() *slog.Logger {
	level := slog.LevelInfo
	if flags.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func sources() []beacon.Source {
	if flags.Address == "" {
		return beacon.DefaultSources()
	}
	addr, err := netip.ParseAddr(flags.Address)
	if err != nil {
		return []beacon.Source{{Name: "flag", Lookup: func(context.Context) (netip.Addr, error) {
			return netip.Addr{}, err
		}}}
	}
	return []beacon.Source{beacon.Fixed(addr)}
}

func runConnect(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("extra arguments: %q", env.Args)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	log := logger()
	p := peerlink.NewPeer(&peerlink.Options{
		ListenAddr:     flags.Listen,
		PeerPort:       flags.PeerPort,
		Tag:            flags.Tag,
		BeaconInterval: flags.Interval,
		Liveness:       peerlink.Liveness{Interval: flags.Heartbeat, Timeout: flags.Timeout},
		Discovery:      beacon.New(&beacon.Options{Sources: sources(), Logger: log}),
		Logger:         log,
	})
	defer p.Close()

	log.Info("searching for peer")
	if err := p.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	log.Info("connected", "remote", p.RemoteAddr(), "inbound", p.Inbound())
	if err := p.StartReceiving(); err != nil {
		return err
	}

	return chat(ctx, p, os.Stdin, os.Stdout, os.Stderr)
}

// A chatPeer is the subset of a peer used by chat.
type chatPeer interface {
	Send([]byte) error
	Poll() (peerlink.Update, error)
}

// chat sends each line read from in to p, and prints messages and events
// from p to out and errw respectively. It returns when in ends, ctx ends, or
// the link to the remote peer is lost.
func chat(ctx context.Context, p chatPeer, in io.Reader, out, errw io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// A blocked read of in cannot be interrupted, so the reader is not
	// joined if the link ends first.
	sent := make(chan error, 1)
	go func() {
		defer cancel()
		sent <- sendLines(p, in)
	}()
	if err := printUpdates(ctx, p, out, errw); err != nil {
		return err
	}
	select {
	case err := <-sent:
		return err
	default:
		return nil
	}
}

func sendLines(p chatPeer, in io.Reader) error {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := p.Send([]byte(line)); err != nil {
			return fmt.Errorf("send: %w", err)
		}
	}
	return sc.Err()
}

// errLinkLost is reported by printUpdates when the link ends cleanly.
var errLinkLost = errors.New("link closed by remote peer")

func printUpdates(ctx context.Context, p chatPeer, out, errw io.Writer) error {
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		u, err := p.Poll()
		if err != nil {
			return err
		}
		for _, msg := range u.Messages {
			if q, err := query.Parse(msg); err == nil {
				fmt.Fprintf(out, "< [%s] %s\n", q.Key, q.Value)
			} else {
				fmt.Fprintf(out, "< %s\n", msg)
			}
		}
		for _, e := range u.Events {
			fmt.Fprintf(errw, "* %v\n", e)
			if e.Kind == peerlink.EventDisconnected {
				if e.Err != nil {
					return e.Err
				}
				return errLinkLost
			}
		}
	}
}

func runListen(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("extra arguments: %q", env.Args)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c := beacon.New(&beacon.Options{Sources: sources(), Logger: logger()})
	defer c.Close()
	if err := c.StartListening(ctx); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "listening on %v (local address %v)\n", c.RecvAddr(), c.LocalAddr())
	for {
		select {
		case <-ctx.Done():
			c.StopListening()
			return nil
		case msg, ok := <-c.Messages():
			if !ok {
				return errors.New("beacon client closed")
			}
			fmt.Printf("%v\t%s\n", msg.Source, msg.Data)
		}
	}
}
