package main

import (
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"

	"github.com/jakecoffman/frag"
	"github.com/op/go-logging"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	configPath     string
	cpuprofile     string
	iterations     int
	loglevel       int
	seed           int64
	dropPercent    int
	dupPercent     int
	reorderPercent int
)

var globalTime float64 = 100

// link is a lossy in-memory wire between two endpoints. Packets picked for
// reordering are held back and released in reverse on the next iteration.
type link struct {
	rng      *rand.Rand
	client   *frag.Endpoint
	server   *frag.Endpoint
	held     []heldPacket
	failures []error
}

type heldPacket struct {
	index      int
	packetData []byte
}

var rootCmd = &cobra.Command{
	Use:   "soak",
	Short: "Soak fragmentation and reassembly over a lossy, reordering, duplicating link",
	Long: `To profile, run "soak --cpuprofile=prof --iterations=8000",
then run "go tool pprof soak prof".`,
	SilenceUsage: true,
	RunE:         run,
}

func main() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "YAML endpoint config")
	rootCmd.Flags().StringVar(&cpuprofile, "cpuprofile", "", "write cpu profile to file")
	rootCmd.Flags().IntVar(&iterations, "iterations", -1, "number of iterations to run, -1 runs until interrupted")
	rootCmd.Flags().IntVar(&loglevel, "loglevel", int(logging.ERROR), "log level (5 for debug)")
	rootCmd.Flags().Int64Var(&seed, "seed", 1, "random seed")
	rootCmd.Flags().IntVar(&dropPercent, "drop", 5, "percent of packets dropped")
	rootCmd.Flags().IntVar(&dupPercent, "dup", 5, "percent of packets duplicated")
	rootCmd.Flags().IntVar(&reorderPercent, "reorder", 10, "percent of packets reordered")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logging.SetLevel(logging.Level(loglevel), "frag")

	if cpuprofile != "" {
		f, err := os.Create(cpuprofile)
		if err != nil {
			return errors.Wrap(err, "creating cpu profile")
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return errors.Wrap(err, "starting cpu profile")
		}
		defer pprof.StopCPUProfile()
	}

	l, err := initialize()
	if err != nil {
		return err
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT)
	defer signal.Stop(signals)

	deltaTime := .1
	for i := 0; iterations < 0 || i < iterations; i++ {
		select {
		case <-signals:
			return l.finish()
		default:
		}

		l.iteration(globalTime)
		globalTime += deltaTime
		if len(l.failures) > 0 {
			return l.failures[0]
		}
	}
	return l.finish()
}

func initialize() (*link, error) {
	l := &link{rng: rand.New(rand.NewSource(seed))}

	for index, name := range []string{"client", "server"} {
		config, err := frag.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		config.FragmentAbove = 500
		config.Context = l
		config.Name = name
		config.Index = index
		config.TransmitPacketFunction = transmitPacket
		config.ProcessPacketFunction = processPacket

		endpoint, err := frag.NewEndpoint(config, globalTime)
		if err != nil {
			return nil, err
		}
		if index == 0 {
			l.client = endpoint
		} else {
			l.server = endpoint
		}
	}
	return l, nil
}

func (l *link) peer(index int) *frag.Endpoint {
	if index == 0 {
		return l.server
	}
	return l.client
}

func transmitPacket(context interface{}, index int, _ uint16, packetData []byte) {
	l := context.(*link)

	if l.rng.Intn(100) < dropPercent {
		return
	}
	if l.rng.Intn(100) < reorderPercent {
		l.held = append(l.held, heldPacket{index, append([]byte(nil), packetData...)})
		return
	}
	l.peer(index).ReceivePacket(packetData)
	if l.rng.Intn(100) < dupPercent {
		l.peer(index).ReceivePacket(packetData)
	}
}

func (l *link) release() {
	held := l.held
	l.held = nil
	for i := len(held) - 1; i >= 0; i-- {
		l.peer(held[i].index).ReceivePacket(held[i].packetData)
	}
}

func processPacket(context interface{}, _ int, _ uint16, packetData []byte) {
	l := context.(*link)

	if len(packetData) < 2 {
		l.failures = append(l.failures, errors.Errorf("invalid packet data size %d", len(packetData)))
		return
	}

	seq := uint16(packetData[0]) | uint16(packetData[1])<<8
	if expected := packetBytes(seq); len(packetData) != expected {
		l.failures = append(l.failures, errors.Errorf("packet %d size not right, expected %d got %d", seq, expected, len(packetData)))
		return
	}
	for i := 2; i < len(packetData); i++ {
		if packetData[i] != byte((i+int(seq))%256) {
			l.failures = append(l.failures, errors.Errorf("packet %d wrong data at index %d, got %d expected %d", seq, i, packetData[i], (i+int(seq))%256))
			return
		}
	}
}

func packetBytes(sequence uint16) int {
	return ((int(sequence) * 1023) % (testMaxPacketBytes - 2)) + 2
}

const testMaxPacketBytes = 16 * 1024

func generatePacketData(sequence uint16) []byte {
	packetData := make([]byte, packetBytes(sequence))
	packetData[0] = byte(sequence & 0xFF)
	packetData[1] = byte((sequence >> 8) & 0xFF)
	for i := 2; i < len(packetData); i++ {
		packetData[i] = byte((i + int(sequence)) % 256)
	}
	return packetData
}

func (l *link) iteration(time float64) {
	for _, endpoint := range []*frag.Endpoint{l.client, l.server} {
		// only top up once the previous packet has mostly drained
		if endpoint.Outgoing.Len() < endpoint.Config.MaxFragments {
			sequence := uint16(endpoint.PacketsSent())
			if err := endpoint.SendPacket(generatePacketData(sequence)); err != nil {
				l.failures = append(l.failures, err)
			}
		}
	}

	l.release()
	l.client.Update(time)
	l.server.Update(time)
}

func (l *link) finish() error {
	for _, endpoint := range []*frag.Endpoint{l.client, l.server} {
		fmt.Printf("[%s]\n", endpoint.Config.Name)
		for counter := 0; counter < frag.CounterMax; counter++ {
			fmt.Printf("  %-30s %d\n", frag.CounterName(counter), endpoint.Counter(counter))
		}
	}

	l.held = nil
	l.client.Reset()
	l.server.Reset()
	for _, endpoint := range []*frag.Endpoint{l.client, l.server} {
		if n := endpoint.Fragments.Outstanding(); n != 0 {
			return errors.Errorf("[%s] leaked %d fragments", endpoint.Config.Name, n)
		}
	}
	return nil
}
