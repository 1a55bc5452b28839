// detourinfo prints what the detour engine knows about this platform.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/pboyd/detour"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

func main() {
	configPath := flag.String("config", "", "TOML config file (defaults to $GODETOUR_CONFIG)")
	from := flag.String("from", "", "Address to patch, e.g. 0x401000")
	to := flag.String("to", "", "Address to jump to")
	maxSize := flag.Int("max", -1, "Maximum patch size in bytes (-1 for no limit)")
	verbose := flag.Int("v", 0, "Log verbosity")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: detourinfo [options]\n\n")
		fmt.Fprintf(os.Stderr, "Prints the platform triple, its features and ABI. With -from and -to,\n")
		fmt.Fprintf(os.Stderr, "also prints the jump that would be written and disassembles it.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	commonlog.Configure(*verbose, nil)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}

	triple, err := detour.CreateCurrent(cfg)
	if err != nil {
		fatal(err)
	}

	fmt.Printf("triple:   %s\n", triple)
	fmt.Printf("features: %s\n", triple.Features())
	if abi, ok := triple.Abi(); ok {
		fmt.Printf("abi:      %s\n", abi)
	} else {
		fmt.Printf("abi:      unknown\n")
	}
	fmt.Printf("config:   alt_entry=%t arena_size=%d allow_relay=%t\n", cfg.AltEntry, cfg.ArenaSize, cfg.AllowRelay)

	if *from == "" && *to == "" {
		return
	}
	if *from == "" || *to == "" {
		fatal(fmt.Errorf("-from and -to must be used together"))
	}

	src, err := parseAddr(*from)
	if err != nil {
		fatal(err)
	}
	dst, err := parseAddr(*to)
	if err != nil {
		fatal(err)
	}

	if err := printDetour(triple, src, dst, *maxSize); err != nil {
		fatal(err)
	}
}

func loadConfig(path string) (detour.Config, error) {
	if path == "" {
		return detour.ConfigFromEnv()
	}
	return detour.LoadConfig(path)
}

func printDetour(triple *detour.Triple, from, to uintptr, maxSize int) error {
	arch := triple.Architecture()

	info, err := arch.ComputeDetourInfo(from, to, maxSize)
	if err != nil {
		return err
	}

	buf := make([]byte, info.Size())
	n, alloc, err := arch.GetDetourBytes(info, buf)
	if err != nil {
		return err
	}
	if alloc != nil {
		defer alloc.Close()
		fmt.Printf("stub:     0x%x (%d bytes)\n", alloc.Base(), alloc.Size())
	}

	fmt.Printf("kind:     %s (%d bytes)\n\n", info.Kind, n)

	out, err := detour.Disassemble(arch.Target(), buf[:n], from)
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}

func parseAddr(s string) (uintptr, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad address %q: %w", s, err)
	}
	return uintptr(v), nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "detourinfo: %v\n", err)
	os.Exit(1)
}
