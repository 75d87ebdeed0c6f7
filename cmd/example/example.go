package main

import (
	"bytes"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/jakecoffman/frag"
	"github.com/op/go-logging"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

const tickrate = 60

var (
	configPath   string
	name         string
	addr         string
	loglevel     int
	packetBytes  int
	ticksPerSend int
)

// used by server
var packetConn net.PacketConn
var clients = struct {
	sync.Mutex
	addrs map[string]net.Addr
}{addrs: map[string]net.Addr{}}

// used by clients
var conn net.Conn

var incoming = make(chan []byte, 1000)

var rootCmd = &cobra.Command{
	Use:   "example",
	Short: "Exchange fragmented packets over UDP",
	Long: `Run "example --name server" in one terminal and "example --name client"
in another. Every few ticks each side sends a packet large enough to be
fragmented; fragments go out one per tick and are reassembled on the other side.`,
	SilenceUsage: true,
	RunE:         run,
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	rootCmd.Flags().StringVar(&configPath, "config", "", "YAML endpoint config")
	rootCmd.Flags().StringVar(&name, "name", "server", "name of connection, server or client")
	rootCmd.Flags().StringVar(&addr, "addr", "0.0.0.0:8987", "host and port of connection")
	rootCmd.Flags().IntVar(&loglevel, "loglevel", int(logging.WARNING), "log level (5 for debug)")
	rootCmd.Flags().IntVar(&packetBytes, "packet-bytes", 4000, "size of each generated packet")
	rootCmd.Flags().IntVar(&ticksPerSend, "ticks-per-send", 10, "ticks between generated packets")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logging.SetLevel(logging.Level(loglevel), "frag")

	config, err := frag.LoadConfig(configPath)
	if err != nil {
		return err
	}
	config.Name = name
	config.TransmitPacketFunction = transmitPacket
	config.ProcessPacketFunction = processPacket
	bufferSize := config.FragmentSize + frag.FragmentHeaderBytes
	if config.FragmentAbove+frag.PacketHeaderBytes > bufferSize {
		bufferSize = config.FragmentAbove + frag.PacketHeaderBytes
	}

	if config.Name == "server" {
		config.Index = 1
		packetConn, err = net.ListenPacket("udp", addr)
		if err != nil {
			return errors.Wrapf(err, "listening on %s", addr)
		}
		defer packetConn.Close()

		go func() {
			for {
				buffer := make([]byte, bufferSize)
				n, addr, err := packetConn.ReadFrom(buffer)
				if err != nil {
					log.Fatal(err)
				}
				clients.Lock()
				clients.addrs[addr.String()] = addr
				clients.Unlock()
				incoming <- buffer[:n]
			}
		}()

		log.Println("Server ready")
	} else {
		config.Index = 2
		conn, err = net.Dial("udp", addr)
		if err != nil {
			return errors.Wrapf(err, "dialing %s", addr)
		}
		defer conn.Close()

		go func() {
			for {
				buffer := make([]byte, bufferSize)
				n, err := conn.Read(buffer)
				if err != nil {
					log.Fatal(err)
				}
				incoming <- buffer[:n]
			}
		}()

		log.Println("Client ready")
	}

	endpoint, err := frag.NewEndpoint(config, now())
	if err != nil {
		return err
	}

	// receiving happens on its own goroutine, ticking on this one
	go func() {
		for d := range incoming {
			endpoint.ReceivePacket(d)
		}
	}()

	networkTick := time.NewTicker(time.Second / tickrate)
	defer networkTick.Stop()

	for tick := 0; ; tick++ {
		<-networkTick.C

		if tick%ticksPerSend == 0 {
			sequence := uint16(endpoint.PacketsSent())
			if err := endpoint.SendPacket(generatePacketData(sequence, make([]byte, packetBytes))); err != nil {
				return err
			}
		}
		endpoint.Update(now())

		if tick%tickrate == 0 {
			fmt.Printf("%v sent | %v fragments sent | %v received | %v queued | %v evicted | in progress %v\n",
				endpoint.PacketsSent(),
				endpoint.FragmentsSent(),
				endpoint.PacketsReceived(),
				endpoint.Outgoing.Len(),
				endpoint.GroupsEvicted(),
				endpoint.Reassembly.InProgress(),
			)
		}
	}
}

func transmitPacket(_ interface{}, index int, _ uint16, packetData []byte) {
	if index == 1 {
		clients.Lock()
		defer clients.Unlock()
		for _, addr := range clients.addrs {
			if _, err := packetConn.WriteTo(packetData, addr); err != nil {
				log.Println("write failed:", err)
			}
		}
		return
	}
	if _, err := conn.Write(packetData); err != nil {
		// server may not be up yet
		log.Println("write failed:", err)
	}
}

func processPacket(_ interface{}, _ int, groupID uint16, packetData []byte) {
	if len(packetData) != packetBytes {
		log.Println("invalid packet size", len(packetData))
		return
	}

	seq := uint16(packetData[0]) | uint16(packetData[1])<<8
	expected := generatePacketData(seq, make([]byte, len(packetData)))
	if !bytes.Equal(packetData[2:], expected[2:]) {
		log.Println("wrong packet data in group", groupID)
	}
}

func generatePacketData(sequence uint16, packetData []byte) []byte {
	packetData[0] = byte(sequence & 0xFF)
	packetData[1] = byte((sequence >> 8) & 0xFF)
	for i := 2; i < len(packetData); i++ {
		packetData[i] = byte((i + int(sequence)) % 256)
	}
	return packetData
}

func now() float64 {
	return float64(time.Now().UnixNano()) / (1000 * 1000 * 1000)
}
