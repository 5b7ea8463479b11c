// Copyright (C) 2024 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/SnellerInc/cachedb/cachekey"
	"github.com/SnellerInc/cachedb/cacheproc"
	"github.com/SnellerInc/cachedb/cachevc"
	"github.com/SnellerInc/cachedb/config"
	"github.com/SnellerInc/cachedb/debug"
	"github.com/SnellerInc/cachedb/internal/aio"
	"github.com/SnellerInc/cachedb/internal/faultio"
	"github.com/SnellerInc/cachedb/stripe"
)

var (
	dashh      bool
	configPath string
	debugFd    int
	faultSpec  string
)

func init() {
	flag.BoolVar(&dashh, "h", false, "show usage help")
	flag.StringVar(&configPath, "config", "cachedb.yaml", "path to the cache config YAML file")
	flag.IntVar(&debugFd, "debug-fd", -1, "bind pprof handlers to this already-open fd")
	flag.StringVar(&faultSpec, "inject-fault", "", "path-regex:op-index:errno[:skip] fault to register before opening volumes")
}

func exitf(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f, args...)
	os.Exit(1)
}

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 || dashh {
		fmt.Fprintf(os.Stderr, "usage:\n")
		fmt.Fprintf(os.Stderr, "    %s [-config <file>] serve\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "        open every configured volume and block until signaled\n")
		fmt.Fprintf(os.Stderr, "    %s [-config <file>] get <url>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "        read the default-variant response body for <url>\n")
		fmt.Fprintf(os.Stderr, "    %s [-config <file>] put <url> <body-file>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "        admit <body-file> as a new alternate for <url>\n")
		fmt.Fprintf(os.Stderr, "    %s [-config <file>] rm <url>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "        remove the default-variant alternate for <url>\n")
		fmt.Fprintf(os.Stderr, "flag usage:\n")
		flag.Usage()
		os.Exit(1)
	}

	log := log.New(os.Stderr, "cachedb: ", log.LstdFlags)
	cp, err := openProcessor(log)
	if err != nil {
		exitf("%s\n", err)
	}
	defer cp.Close()

	if debugFd >= 0 {
		debug.Fd(debugFd, log)
	}

	switch args[0] {
	case "serve":
		serve(log)
	case "get":
		if len(args) != 2 {
			exitf("usage: get <url>")
		}
		get(cp, args[1])
	case "put":
		if len(args) != 3 {
			exitf("usage: put <url> <body-file>")
		}
		put(cp, args[1], args[2])
	case "rm":
		if len(args) != 2 {
			exitf("usage: rm <url>")
		}
		rm(cp, args[1])
	default:
		exitf("unrecognized subcommand %q", args[0])
	}
}

// openProcessor loads the config file, opens a faultio-wrapped real
// file per configured volume (applying any -inject-fault rule before
// the first open, per spec.md §6's fault-injection surface), and
// constructs a CacheProcessor over them.
func openProcessor(lg *log.Logger) (*cacheproc.CacheProcessor, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	inj := faultio.NewInjector(aio.UnixFileIO{})
	if faultSpec != "" {
		re, idx, fault, err := parseFaultSpec(faultSpec)
		if err != nil {
			return nil, err
		}
		if err := inj.InjectFault(re, idx, fault); err != nil {
			return nil, err
		}
	}

	openers := make([]cacheproc.StripeOpener, len(cfg.Volumes))
	for i, vol := range cfg.Volumes {
		vol := vol
		openers[i] = func() (*stripe.Stripe, error) {
			fd, err := inj.Open(vol.Path, os.O_RDWR|os.O_CREATE, 0o644)
			if err != nil {
				return nil, fmt.Errorf("opening volume %s: %w", vol.Path, err)
			}
			disp := aio.NewDispatcher(inj, cfg.Cache.ThreadsPerDisk, func(req *aio.Request, err error) {
				lg.Printf("volume %s: aio error at fd %d offset %d: %s", vol.Path, req.FD, req.Offset, err)
			})
			opts := cfg.StripeOptions(vol.Len)
			opts.Logger = lg
			return stripe.New(vol.Start, vol.Len, fd, disp, opts), nil
		}
	}

	cp, err := cacheproc.Open(openers)
	if err != nil {
		return nil, err
	}
	for _, e := range cp.InitErrors() {
		lg.Printf("warning: %s", e)
	}
	return cp, nil
}

func serve(lg *log.Logger) {
	lg.Printf("cachedb serving, press ctrl-c to stop")
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	lg.Printf("shutting down")
}

// parseFaultSpec parses the -inject-fault flag's
// "path-regex:op-index:errno[:skip]" shorthand into an
// InjectFault call, so a fault can be registered from the command
// line without a config-file round trip (spec.md §6's fault-injection
// surface is "test-only", and this CLI is how a test harness drives
// it against a real binary rather than only via Go unit tests).
func parseFaultSpec(spec string) (pathRegex string, opIndex int, fault faultio.Fault, err error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 3 || len(parts) > 4 {
		return "", 0, faultio.Fault{}, fmt.Errorf("invalid -inject-fault %q: want path-regex:op-index:errno[:skip]", spec)
	}
	idx, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, faultio.Fault{}, fmt.Errorf("invalid -inject-fault op-index %q: %w", parts[1], err)
	}
	errno, err := strconv.Atoi(parts[2])
	if err != nil {
		return "", 0, faultio.Fault{}, fmt.Errorf("invalid -inject-fault errno %q: %w", parts[2], err)
	}
	skip := len(parts) == 4 && parts[3] == "skip"
	return parts[0], idx, faultio.Fault{Errno: errno, SkipIO: skip}, nil
}

func keyFor(url string) cachekey.Key {
	return cachekey.New(url, cachekey.DiscriminatorURL)
}

func get(cp *cacheproc.CacheProcessor, url string) {
	ev, ro, err := cp.OpenRead(0, keyFor(url), 0)
	if err != nil {
		exitf("get %s: %s (%s)\n", url, err, ev)
	}
	if ro.Doc == nil {
		exitf("get %s: read-while-write attach is not supported from the CLI\n", url)
	}
	os.Stdout.Write(ro.Doc.Body)
}

func put(cp *cacheproc.CacheProcessor, url, bodyPath string) {
	f, err := os.Open(bodyPath)
	if err != nil {
		exitf("put %s: %s\n", url, err)
	}
	defer f.Close()
	body, err := io.ReadAll(f)
	if err != nil {
		exitf("put %s: %s\n", url, err)
	}

	ev, out := cp.OpenWrite(0, cachevc.WriteParams{FirstKey: keyFor(url), Body: body})
	if out.Err != nil {
		exitf("put %s: %s (%s)\n", url, out.Err, ev)
	}
	fmt.Printf("stored %s as %s\n", url, out.ObjectKey)
}

func rm(cp *cacheproc.CacheProcessor, url string) {
	key := keyFor(url)
	removed, err := cp.RemoveAlternate(0, key, key)
	if err != nil {
		exitf("rm %s: %s\n", url, err)
	}
	if !removed {
		exitf("rm %s: not found\n", url)
	}
	fmt.Printf("removed %s\n", url)
}
