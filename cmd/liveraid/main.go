// Command liveraid mounts the merged namespace, rebuilds lost drives,
// and runs parity scrubs.
//
//	liveraid mount   -c CONFIG [--allow-other] [--debug]
//	liveraid rebuild -c CONFIG -d DRIVE
//	liveraid scrub   -c CONFIG [--repair]
package main

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/marmos91/liveraid/internal/ctrl"
	"github.com/marmos91/liveraid/internal/engine"
	"github.com/marmos91/liveraid/internal/fusefs"
	"github.com/marmos91/liveraid/internal/logger"
	"github.com/marmos91/liveraid/internal/meta"
	"github.com/marmos91/liveraid/internal/parity"
	"github.com/marmos91/liveraid/internal/rebuild"
	"github.com/marmos91/liveraid/internal/state"
	"github.com/marmos91/liveraid/pkg/config"
	"github.com/marmos91/liveraid/pkg/metrics"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
  liveraid mount   -c CONFIG [--allow-other] [--debug] [--log-level LEVEL] [--metrics-addr ADDR]
  liveraid rebuild -c CONFIG -d DRIVE_NAME
  liveraid scrub   -c CONFIG [--repair]
`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	var code int
	switch os.Args[1] {
	case "mount":
		code = cmdMount(os.Args[2:])
	case "rebuild":
		code = cmdRebuild(os.Args[2:])
	case "scrub":
		code = cmdScrub(os.Args[2:])
	default:
		usage()
	}
	os.Exit(code)
}

func loadConfig(fs *flag.FlagSet, configPath string) *config.Config {
	if configPath == "" {
		fmt.Fprintln(os.Stderr, "-c CONFIG is required")
		fs.Usage()
		os.Exit(2)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
	return cfg
}

func cmdMount(args []string) int {
	fs := flag.NewFlagSet("mount", flag.ExitOnError)
	configPath := fs.StringP("config", "c", "", "configuration file")
	allowOther := fs.Bool("allow-other", false, "allow other users to access the mount")
	debug := fs.Bool("debug", false, "enable FUSE protocol tracing")
	logLevel := fs.String("log-level", "INFO", "log level (DEBUG, INFO, WARN, ERROR)")
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus metrics on this address")
	fs.Parse(args)

	logger.SetLevel(*logLevel)
	cfg := loadConfig(fs, *configPath)

	if *metricsAddr != "" {
		metrics.InitRegistry()
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Error("metrics: %v", err)
			}
		}()
	}

	eng, err := engine.Open(cfg)
	if err != nil {
		logger.Error("%v", err)
		return 1
	}

	ctrlSrv, err := ctrl.Start(eng, cfg.CtrlSocketPath())
	if err != nil {
		logger.Error("%v", err)
		eng.Close()
		return 1
	}

	server, err := fusefs.Mount(fusefs.Options{
		Mountpoint: cfg.Mountpoint,
		Engine:     eng,
		AllowOther: *allowOther,
		Debug:      *debug,
	})
	if err != nil {
		logger.Error("mount: %v", err)
		ctrlSrv.Stop()
		eng.Close()
		return 1
	}

	// SIGUSR1 requests a scrub, SIGUSR2 a repair; INT/TERM unmount.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		for sig := range sigs {
			switch sig {
			case syscall.SIGUSR1:
				eng.Journal().RequestScrub(false)
			case syscall.SIGUSR2:
				eng.Journal().RequestScrub(true)
			default:
				logger.Info("received %v, unmounting", sig)
				server.Unmount()
			}
		}
	}()

	server.Wait()

	ctrlSrv.Stop()
	eng.Close()
	return 0
}

func cmdRebuild(args []string) int {
	fs := flag.NewFlagSet("rebuild", flag.ExitOnError)
	configPath := fs.StringP("config", "c", "", "configuration file")
	driveName := fs.StringP("drive", "d", "", "drive name to rebuild")
	fs.Parse(args)

	cfg := loadConfig(fs, *configPath)
	if *driveName == "" {
		fmt.Fprintln(os.Stderr, "-d DRIVE_NAME is required")
		return 2
	}

	// A running process rebuilds live through its control socket;
	// otherwise fall through to the offline rebuild.
	if handled, hadFailures := rebuild.TryLive(cfg.CtrlSocketPath(), *driveName, os.Stdout); handled {
		if hadFailures {
			return 1
		}
		return 0
	}

	failed, err := rebuild.Offline(cfg, *driveName)
	if err != nil {
		logger.Error("%v", err)
		return 1
	}
	if failed > 0 {
		return 1
	}
	return 0
}

func cmdScrub(args []string) int {
	fs := flag.NewFlagSet("scrub", flag.ExitOnError)
	configPath := fs.StringP("config", "c", "", "configuration file")
	repair := fs.Bool("repair", false, "rewrite mismatched parity blocks")
	fs.Parse(args)

	cfg := loadConfig(fs, *configPath)

	cmd := "scrub"
	if *repair {
		cmd = "scrub repair"
	}

	if conn, err := net.Dial("unix", cfg.CtrlSocketPath()); err == nil {
		defer conn.Close()
		fmt.Fprintf(conn, "%s\n", cmd)
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			line := scanner.Text()
			fmt.Println(line)
			if strings.HasPrefix(line, "error ") {
				return 1
			}
		}
		return 0
	}

	// No live process: run the scrub standalone.
	st := state.New(cfg)
	if err := meta.Load(st); err != nil {
		logger.Error("%v", err)
		return 1
	}
	ph, err := parity.Open(cfg)
	if err != nil {
		logger.Error("%v", err)
		return 1
	}
	defer ph.Close()

	res := ph.Scrub(st, *repair)
	if *repair {
		fmt.Printf("done %d %d fixed=%d errors=%d\n",
			res.PositionsChecked, res.Mismatches, res.Fixed, res.ReadErrors)
	} else {
		fmt.Printf("done %d %d errors=%d\n",
			res.PositionsChecked, res.Mismatches, res.ReadErrors)
	}
	return 0
}
