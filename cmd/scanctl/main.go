// scanctl drives a running SSMiSS control server from the command line:
// query status, start or abort scans, and download scan data.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/ICE-QTM/SSMiSS/internal/httputil"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: scanctl [flags] <command> [args]

Commands:
  status              print the instrument status
  start <request>     start a scan from a JSON request file ("-" for stdin)
  abort               abort the running scan
  runs                list recorded scan runs
  export <run-id>     write a run's samples as CSV to stdout
  step <axis> <dir> <count>
                      one-shot stepper move; dir is up or down
`)
	flag.PrintDefaults()
}

func main() {
	addr := flag.String("addr", "http://localhost:8080", "base URL of the control server")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	c := newClient(httputil.NewStandardClient(nil), *addr)

	var err error
	switch cmd := flag.Arg(0); cmd {
	case "status":
		err = c.status(os.Stdout)
	case "start":
		if flag.NArg() != 2 {
			log.Fatal("start needs a request file argument")
		}
		err = c.start(os.Stdout, flag.Arg(1))
	case "abort":
		err = c.abort(os.Stdout)
	case "runs":
		err = c.runs(os.Stdout)
	case "export":
		if flag.NArg() != 2 {
			log.Fatal("export needs a run id argument")
		}
		err = c.export(os.Stdout, flag.Arg(1))
	case "step":
		if flag.NArg() != 4 {
			log.Fatal("step needs axis, direction, and count arguments")
		}
		err = c.step(os.Stdout, flag.Arg(1), flag.Arg(2), flag.Arg(3))
	default:
		log.Fatalf("unknown command %q", cmd)
	}
	if err != nil {
		log.Fatalf("%s: %v", flag.Arg(0), err)
	}
}
