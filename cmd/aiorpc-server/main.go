package main

import (
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strconv"

	"github.com/urfave/cli"

	"github.com/xtaci/aiorpc/channel"
	"github.com/xtaci/aiorpc/eventloop"
	"github.com/xtaci/aiorpc/rpcserver"
	"github.com/xtaci/aiorpc/rpcworker"
	"github.com/xtaci/aiorpc/stream"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

// workerModeFlag is the hidden sentinel this binary re-execs itself with to
// become a worker process; it is never meant to be set by an operator
// directly.
const workerModeFlag = "worker"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	app := cli.NewApp()
	app.Name = "aiorpc-server"
	app.Usage = "asynchronous RPC server with a non-blocking event loop and a worker-process pool"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "listen, l",
			Value: ":9527",
			Usage: `tcp listen address, eg "0.0.0.0:9527"`,
		},
		cli.IntFlag{
			Name:  "max-conns",
			Value: 1024,
			Usage: "listen backlog",
		},
		cli.IntFlag{
			Name:  "workers",
			Value: 0,
			Usage: "worker process count, 0 means 2*NumCPU",
		},
		cli.IntFlag{
			Name:  "min-buf",
			Value: 128 << 10,
			Usage: "stream minimum buffer size in bytes",
		},
		cli.IntFlag{
			Name:  "max-buf",
			Value: 16 << 20,
			Usage: "stream maximum buffer size in bytes",
		},
		cli.IntFlag{
			Name:  "io-chunk",
			Value: 32 << 10,
			Usage: "per-syscall read chunk and write-interest threshold, in bytes",
		},
		cli.BoolFlag{
			Name:  "compress",
			Usage: "enable snappy payload compression",
		},
		cli.StringFlag{
			Name:   "worker-key",
			Value:  "it's a secret",
			Usage:  "pre-shared IPC handshake secret between parent and workers",
			EnvVar: "AIORPC_WORKER_KEY",
		},
		cli.BoolFlag{
			Name:  "pprof",
			Usage: "start profiling server on :6060",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "specify a log file to output, default goes to stderr",
		},
		cli.StringFlag{
			Name:  "c",
			Value: "",
			Usage: "config from json file, which will override the command from shell",
		},
		cli.BoolFlag{
			Name:   workerModeFlag,
			Usage:  "internal: run as a re-exec'd worker process",
			Hidden: true,
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Fatalln(err)
	}
}

func run(c *cli.Context) error {
	cfg := rpcserver.Config{
		Listen:      c.String("listen"),
		Backlog:     c.Int("max-conns"),
		Workers:     c.Int("workers"),
		MinBufSize:  c.Int("min-buf"),
		MaxBufSize:  c.Int("max-buf"),
		IOChunkSize: c.Int("io-chunk"),
		Compress:    c.Bool("compress"),
		WorkerKey:   c.String("worker-key"),
		Pprof:       c.Bool("pprof"),
		Log:         c.String("log"),
	}
	if path := c.String("c"); path != "" {
		if err := rpcserver.ParseJSONConfig(&cfg, path); err != nil {
			return err
		}
	}

	if cfg.Log != "" {
		f, err := os.OpenFile(cfg.Log, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		log.SetOutput(f)
	}
	if cfg.Pprof {
		go func() {
			log.Println(http.ListenAndServe(":6060", nil))
		}()
	}

	if c.Bool(workerModeFlag) {
		return runWorker(cfg)
	}
	return runServer(c, cfg)
}

// echoHandler is the only payload semantics this module defines on its own:
// it satisfies the echo end-to-end scenario, same as the original design's
// benchmark handler.
func echoHandler(ctx rpcworker.ReplyContext, payload []byte) []byte {
	out := make([]byte, len(payload))
	copy(out, payload)
	return out
}

func runServer(c *cli.Context, cfg rpcserver.Config) error {
	self, err := os.Executable()
	if err != nil {
		return err
	}
	cfg.WorkerExecutable = self
	cfg.WorkerArgs = rebuildWorkerArgs(c)

	loop, err := eventloop.NewEpoll()
	if err != nil {
		return err
	}
	srv, err := rpcserver.New(loop, cfg)
	if err != nil {
		return err
	}
	defer srv.Close()

	log.Println("aiorpc-server ready, version:", VERSION)
	return loop.Run()
}

// rebuildWorkerArgs re-derives the flag list a re-exec'd worker needs: the
// same buffer/compression/handshake settings, plus the hidden worker flag.
func rebuildWorkerArgs(c *cli.Context) []string {
	args := []string{
		"--" + workerModeFlag,
		"--min-buf", strconv.Itoa(c.Int("min-buf")),
		"--max-buf", strconv.Itoa(c.Int("max-buf")),
		"--io-chunk", strconv.Itoa(c.Int("io-chunk")),
		"--worker-key", c.String("worker-key"),
	}
	if c.Bool("compress") {
		args = append(args, "--compress")
	}
	if cfg := c.String("log"); cfg != "" {
		args = append(args, "--log", cfg)
	}
	if path := c.String("c"); path != "" {
		args = append(args, "-c", path)
	}
	return args
}

func runWorker(cfg rpcserver.Config) error {
	conn := os.NewFile(3, "aiorpc-ipc")
	if conn == nil {
		log.Fatalln("aiorpc-server: worker started without an inherited ipc fd")
	}

	loop, err := eventloop.NewEpoll()
	if err != nil {
		return err
	}

	streamOpts := stream.Options{
		MinBufSize:  cfg.MinBufSize,
		MaxBufSize:  cfg.MaxBufSize,
		IOChunkSize: cfg.IOChunkSize,
	}
	var chanOpts []channel.Option
	if cfg.Compress {
		chanOpts = append(chanOpts, channel.WithCompression(true))
	}

	if _, err := rpcworker.Run(loop, conn, cfg.WorkerKey, streamOpts, echoHandler, chanOpts...); err != nil {
		return err
	}
	return loop.Run()
}
