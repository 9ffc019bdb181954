// Command aiorpc-echo is a minimal client for aiorpc-server: it dials the
// server, frames one payload per the wire protocol, and prints whatever
// comes back framed the same way. It exists to make the echo round trip
// runnable end-to-end without writing a test harness.
package main

import (
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/xtaci/aiorpc/wire"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	app := cli.NewApp()
	app.Name = "aiorpc-echo"
	app.Usage = "dial an aiorpc-server and round-trip one framed payload"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "remote, r",
			Value: "127.0.0.1:9527",
			Usage: "server address to dial",
		},
		cli.StringFlag{
			Name:  "payload, p",
			Value: "hello, aiorpc",
			Usage: "payload to send",
		},
		cli.DurationFlag{
			Name:  "timeout",
			Value: 5 * time.Second,
			Usage: "dial and round-trip deadline",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Fatalln(err)
	}
}

func run(c *cli.Context) error {
	remote := c.String("remote")
	payload := []byte(c.String("payload"))
	timeout := c.Duration("timeout")

	conn, err := net.DialTimeout("tcp", remote, timeout)
	if err != nil {
		return errors.Wrap(err, "aiorpc-echo: dial")
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	if err := writeFrame(conn, payload, true); err != nil {
		return errors.Wrap(err, "aiorpc-echo: write request")
	}

	reply, isData, err := readFrame(conn)
	if err != nil {
		return errors.Wrap(err, "aiorpc-echo: read reply")
	}
	if !isData {
		return errors.New("aiorpc-echo: server replied with a control frame, expected data")
	}

	fmt.Printf("sent:  %q\n", payload)
	fmt.Printf("recv:  %q\n", reply)
	return nil
}

// writeFrame writes a single length-prefixed frame: a 4-byte signed
// little-endian header followed by the payload, matching the protocol
// NetworkChannel speaks on the server side.
func writeFrame(w io.Writer, payload []byte, isData bool) error {
	var header [wire.HeaderSize]byte
	wire.EncodeHeader(header[:], len(payload), isData)
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one length-prefixed frame back off r.
func readFrame(r io.Reader) ([]byte, bool, error) {
	var header [wire.HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, false, err
	}
	length, isData, err := wire.DecodeHeader(header[:])
	if err != nil {
		return nil, false, err
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, false, err
	}
	return payload, isData, nil
}
