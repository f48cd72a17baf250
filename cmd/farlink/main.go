// Farlink demo peer - serves or dials one end of a farlink link.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"reflect"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/farlink/farlink/manifest"
	"github.com/farlink/farlink/mux"
	"github.com/farlink/farlink/runtime"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	configDir := flag.String("c", ".", "Directory containing farlink.toml (searched upward)")
	verbose := flag.Int("v", -1, "Log verbosity override (-1 uses farlink.toml)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: farlink [options]\n\n")
		fmt.Fprintf(os.Stderr, "Runs one peer of a farlink link, configured by farlink.toml.\n")
		fmt.Fprintf(os.Stderr, "The listening peer exports a demo calculator; the dialing peer\n")
		fmt.Fprintf(os.Stderr, "looks it up and calls it, passing a local callback.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	m, err := manifest.FindAndLoad(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if m == nil {
		fmt.Fprintf(os.Stderr, "Error: no farlink.toml found from %s\n", *configDir)
		os.Exit(1)
	}

	verbosity := m.Log.Verbosity
	if *verbose >= 0 {
		verbosity = *verbose
	}
	commonlog.Configure(verbosity, nil)

	if err := run(m); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(m *manifest.Manifest) error {
	tr, err := openTransport(m)
	if err != nil {
		return err
	}

	rt, err := runtime.New(m.Peer.World, mux.New(tr),
		runtime.WithDepthBudget(m.Encode.DepthBudget))
	if err != nil {
		return err
	}
	defer rt.Close()

	if m.Serving() {
		return serve(rt)
	}
	return call(rt)
}

// openTransport sets the link up per the manifest. The listening side
// accepts exactly one peer.
func openTransport(m *manifest.Manifest) (mux.Transport, error) {
	ctx := context.Background()

	switch m.Link.Transport {
	case manifest.TransportTCP:
		if m.Serving() {
			lis, err := net.Listen("tcp", m.Link.Listen)
			if err != nil {
				return nil, err
			}
			conn, err := lis.Accept()
			lis.Close()
			if err != nil {
				return nil, err
			}
			return mux.NewConnTransport(conn), nil
		}
		return mux.Dial(ctx, m.Link.Dial)

	case manifest.TransportGRPC:
		if m.Serving() {
			lis, err := net.Listen("tcp", m.Link.Listen)
			if err != nil {
				return nil, err
			}
			srv := mux.ServeGRPC(lis)
			tr, ok := <-srv.Accept()
			if !ok {
				return nil, fmt.Errorf("grpc server stopped before a peer connected")
			}
			return tr, nil
		}
		return mux.DialGRPC(ctx, m.Link.Dial)
	}
	return nil, fmt.Errorf("unknown transport %q", m.Link.Transport)
}

// Calculator is the demo resource the listening side exports.
type Calculator struct {
	Name string
}

// Add sums its operands.
func (c *Calculator) Add(a, b int64) int64 { return a + b }

// Describe reports the calculator's name.
func (c *Calculator) Describe() string { return "calculator " + c.Name }

func serve(rt *runtime.Runtime) error {
	if err := rt.RegisterClass(&runtime.NativeClass{
		Name: "Calculator",
		Type: reflect.TypeOf(&Calculator{}),
	}); err != nil {
		return err
	}

	// apply exercises reentrancy: the argument function lives on the
	// dialing side, so invoking it issues a counter-request while this
	// call is still being served.
	rt.Export("apply", func(f func(int64) (int64, error), v int64) (int64, error) {
		return f(v)
	})
	rt.Export("join", func(parts []string, sep string) string {
		return strings.Join(parts, sep)
	})

	rt.Start()
	fmt.Println("serving; press ^C to stop")
	<-rt.Done()
	return nil
}

func call(rt *runtime.Runtime) error {
	rt.Start()
	root := rt.Root()

	applyAny, err := root.Lookup("apply")
	if err != nil {
		return fmt.Errorf("lookup apply: %w", err)
	}
	apply, ok := applyAny.(*runtime.RemoteFunc)
	if !ok {
		return fmt.Errorf("apply resolved to %T, want remote function", applyAny)
	}

	doubled, err := apply.Invoke(func(v int64) (int64, error) { return v * 2, nil }, int64(21))
	if err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	fmt.Printf("apply(double, 21) = %v\n", doubled)

	calcAny, err := root.Lookup("Calculator")
	if err != nil {
		return fmt.Errorf("lookup Calculator: %w", err)
	}
	calc, ok := calcAny.(*runtime.RemoteClass)
	if !ok {
		return fmt.Errorf("Calculator resolved to %T, want remote class", calcAny)
	}

	inst, err := calc.Construct("demo")
	if err != nil {
		return fmt.Errorf("construct: %w", err)
	}
	obj, ok := inst.(*runtime.RemoteObject)
	if !ok {
		return fmt.Errorf("constructed %T, want remote object", inst)
	}

	sum, err := obj.Call("Add", int64(40), int64(2))
	if err != nil {
		return fmt.Errorf("Add: %w", err)
	}
	desc, err := obj.Call("Describe")
	if err != nil {
		return fmt.Errorf("Describe: %w", err)
	}
	fmt.Printf("Add(40, 2) = %v\n", sum)
	fmt.Printf("Describe() = %v\n", desc)
	return nil
}
