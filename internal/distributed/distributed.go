// Package distributed implements the process-group primitives the training
// driver needs to coordinate one process per accelerator device: rendezvous,
// barrier, broadcast and all-reduce.
//
// The topology is a TCP star rooted at the leader (rank 0): workers dial the
// leader's address and every collective is a lockstep exchange with the
// leader. All ranks must call the same sequence of collectives.
//
// A world size of 1 degenerates to a group whose collectives are no-ops, so
// the driver also runs standalone.
package distributed

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Environment variables consumed when the rendezvous URL is "env://",
// following the usual distributed-launcher convention.
const (
	EnvRank       = "RANK"
	EnvWorldSize  = "WORLD_SIZE"
	EnvMasterAddr = "MASTER_ADDR"
	EnvMasterPort = "MASTER_PORT"
)

// Config configures the rendezvous of a ProcessGroup.
type Config struct {
	// URL is either "env://" (addresses and sizes from the environment) or
	// "tcp://host:port" (rank from EnvRank, world size from WorldSize).
	URL string

	// WorldSize is the number of cooperating processes. Ignored for "env://".
	WorldSize int

	// Timeout bounds the rendezvous and each collective. Defaults to
	// DefaultTimeout if zero.
	Timeout time.Duration
}

// DefaultTimeout bounds rendezvous and collectives when Config.Timeout is unset.
const DefaultTimeout = 5 * time.Minute

// ProcessGroup is one member of a group of cooperating processes.
// Its collectives are not safe for concurrent use; the training driver calls
// them from a single goroutine.
type ProcessGroup struct {
	rank      int
	worldSize int
	timeout   time.Duration

	// Leader only: open connections indexed by worker rank (entry 0 unused).
	workers []net.Conn
	// Worker only: connection to the leader.
	leader net.Conn

	listener net.Listener
}

// Init joins the process group described by config, blocking until every
// rank has arrived or ctx expires.
func Init(ctx context.Context, config Config) (*ProcessGroup, error) {
	rank, worldSize, addr, err := rendezvousPoint(config)
	if err != nil {
		return nil, err
	}
	if worldSize < 1 {
		return nil, errors.Errorf("invalid world size %d", worldSize)
	}
	if rank < 0 || rank >= worldSize {
		return nil, errors.Errorf("rank %d out of range for world size %d", rank, worldSize)
	}
	pg := &ProcessGroup{rank: rank, worldSize: worldSize, timeout: config.Timeout}
	if pg.timeout <= 0 {
		pg.timeout = DefaultTimeout
	}
	if worldSize == 1 {
		return pg, nil
	}

	ctx, cancel := context.WithTimeout(ctx, pg.timeout)
	defer cancel()
	if rank == 0 {
		if err = pg.listen(ctx, addr); err == nil {
			err = pg.acceptWorkers()
		}
	} else {
		err = pg.dialLeader(ctx, addr)
	}
	if err != nil {
		pg.Close()
		return nil, err
	}
	klog.V(1).Infof("process group ready: rank %d of %d via %s", rank, worldSize, addr)
	return pg, nil
}

// Rank of this process, in [0, WorldSize).
func (pg *ProcessGroup) Rank() int { return pg.rank }

// WorldSize is the number of processes in the group.
func (pg *ProcessGroup) WorldSize() int { return pg.worldSize }

// IsLeader reports whether this is the coordinating process (rank 0), the
// only one allowed to log metrics and write checkpoints.
func (pg *ProcessGroup) IsLeader() bool { return pg.rank == 0 }

// Barrier blocks until every rank of the group has entered it.
func (pg *ProcessGroup) Barrier(ctx context.Context) error {
	if pg.worldSize == 1 {
		return nil
	}
	if pg.IsLeader() {
		return pg.leaderExchange(ctx, func(_ int, conn net.Conn) error {
			return expectFrame(conn, opBarrier)
		}, func(_ int, conn net.Conn) error {
			return writeFrame(conn, opRelease, nil)
		})
	}
	pg.workerDeadline(ctx)
	if err := writeFrame(pg.leader, opBarrier, nil); err != nil {
		return errors.WithMessage(err, "barrier enter")
	}
	return expectFrame(pg.leader, opRelease)
}

// AllReduceSum replaces data, on every rank, with the element-wise sum of the
// group's vectors. All ranks must pass vectors of the same length.
func (pg *ProcessGroup) AllReduceSum(ctx context.Context, data []float32) error {
	if pg.worldSize == 1 {
		return nil
	}
	if pg.IsLeader() {
		// Gather every worker's vector in parallel, then accumulate in rank
		// order so the sum is deterministic regardless of arrival order.
		parts := make([][]float32, pg.worldSize)
		err := pg.leaderExchange(ctx, func(workerRank int, conn net.Conn) error {
			payload, err := readFrame(conn, opReduce)
			if err != nil {
				return err
			}
			part, err := decodeFloat32s(payload)
			if err != nil {
				return err
			}
			if len(part) != len(data) {
				return errors.Errorf("all-reduce length mismatch: got %d values, want %d", len(part), len(data))
			}
			parts[workerRank] = part
			return nil
		}, nil)
		if err != nil {
			return err
		}
		for workerRank := 1; workerRank < pg.worldSize; workerRank++ {
			part := parts[workerRank]
			for ii := range data {
				data[ii] += part[ii]
			}
		}
		payload := encodeFloat32s(data)
		return pg.leaderExchange(ctx, nil, func(_ int, conn net.Conn) error {
			return writeFrame(conn, opSum, payload)
		})
	}
	pg.workerDeadline(ctx)
	payload := encodeFloat32s(data)
	if err := writeFrame(pg.leader, opReduce, payload); err != nil {
		return errors.WithMessage(err, "all-reduce send")
	}
	result, err := readFrame(pg.leader, opSum)
	if err != nil {
		return errors.WithMessage(err, "all-reduce receive")
	}
	sum, err := decodeFloat32s(result)
	if err != nil {
		return err
	}
	if len(sum) != len(data) {
		return errors.Errorf("all-reduce result length mismatch: got %d values, want %d", len(sum), len(data))
	}
	copy(data, sum)
	return nil
}

// AllGather returns the concatenation, in rank order, of every rank's data
// vector. The per-rank vectors may have different lengths.
func (pg *ProcessGroup) AllGather(ctx context.Context, data []float32) ([]float32, error) {
	if pg.worldSize == 1 {
		return append([]float32(nil), data...), nil
	}
	if pg.IsLeader() {
		parts := make([][]float32, pg.worldSize)
		parts[0] = data
		err := pg.leaderExchange(ctx, func(workerRank int, conn net.Conn) error {
			payload, err := readFrame(conn, opGather)
			if err != nil {
				return err
			}
			part, err := decodeFloat32s(payload)
			if err != nil {
				return err
			}
			parts[workerRank] = part
			return nil
		}, nil)
		if err != nil {
			return nil, err
		}
		var gathered []float32
		for _, part := range parts {
			gathered = append(gathered, part...)
		}
		payload := encodeFloat32s(gathered)
		err = pg.leaderExchange(ctx, nil, func(_ int, conn net.Conn) error {
			return writeFrame(conn, opGathered, payload)
		})
		if err != nil {
			return nil, err
		}
		return gathered, nil
	}
	pg.workerDeadline(ctx)
	if err := writeFrame(pg.leader, opGather, encodeFloat32s(data)); err != nil {
		return nil, errors.WithMessage(err, "all-gather send")
	}
	payload, err := readFrame(pg.leader, opGathered)
	if err != nil {
		return nil, errors.WithMessage(err, "all-gather receive")
	}
	return decodeFloat32s(payload)
}

// Broadcast distributes the leader's buf to every rank and returns it.
// Non-leader ranks ignore buf.
func (pg *ProcessGroup) Broadcast(ctx context.Context, buf []byte) ([]byte, error) {
	if pg.worldSize == 1 {
		return buf, nil
	}
	if pg.IsLeader() {
		err := pg.leaderExchange(ctx, nil, func(_ int, conn net.Conn) error {
			return writeFrame(conn, opBroadcast, buf)
		})
		return buf, err
	}
	pg.workerDeadline(ctx)
	return readFrame(pg.leader, opBroadcast)
}

// Close tears the group's connections down. Collectives fail on every rank
// after any member closes.
func (pg *ProcessGroup) Close() {
	if pg.listener != nil {
		_ = pg.listener.Close()
	}
	for _, conn := range pg.workers {
		if conn != nil {
			_ = conn.Close()
		}
	}
	if pg.leader != nil {
		_ = pg.leader.Close()
	}
}

// workerDeadline bounds the next collective on the leader connection by ctx
// and the group timeout.
func (pg *ProcessGroup) workerDeadline(ctx context.Context) {
	deadline := time.Now().Add(pg.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = pg.leader.SetDeadline(deadline)
}

// rendezvousPoint resolves (rank, worldSize, address) from config and the
// environment.
func rendezvousPoint(config Config) (rank, worldSize int, addr string, err error) {
	switch {
	case config.URL == "env://":
		rank, err = intFromEnv(EnvRank)
		if err != nil {
			return
		}
		worldSize, err = intFromEnv(EnvWorldSize)
		if err != nil {
			return
		}
		if worldSize > 1 {
			master := os.Getenv(EnvMasterAddr)
			port := os.Getenv(EnvMasterPort)
			if master == "" || port == "" {
				err = errors.Errorf("%s and %s must be set for world size %d",
					EnvMasterAddr, EnvMasterPort, worldSize)
				return
			}
			addr = net.JoinHostPort(master, port)
		}
		return
	case strings.HasPrefix(config.URL, "tcp://"):
		addr = strings.TrimPrefix(config.URL, "tcp://")
		worldSize = config.WorldSize
		if worldSize > 1 {
			rank, err = intFromEnv(EnvRank)
		}
		return
	default:
		err = errors.Errorf("unsupported rendezvous URL %q (want env:// or tcp://host:port)", config.URL)
		return
	}
}

func intFromEnv(key string) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return 0, errors.Errorf("environment variable %s is not set", key)
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to parse environment variable %s=%q", key, value)
	}
	return parsed, nil
}

// listen binds the leader's rendezvous address.
func (pg *ProcessGroup) listen(ctx context.Context, addr string) error {
	listenConfig := &net.ListenConfig{}
	listener, err := listenConfig.Listen(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "leader failed to listen on %s", addr)
	}
	pg.listener = listener
	if deadline, ok := ctx.Deadline(); ok {
		if tcp, okTCP := listener.(*net.TCPListener); okTCP {
			_ = tcp.SetDeadline(deadline)
		}
	}
	return nil
}

// acceptWorkers accepts one connection per worker rank, identified by a
// hello frame.
func (pg *ProcessGroup) acceptWorkers() error {
	pg.workers = make([]net.Conn, pg.worldSize)
	for arrived := 1; arrived < pg.worldSize; arrived++ {
		conn, err := pg.listener.Accept()
		if err != nil {
			return errors.Wrap(err, "leader failed to accept worker")
		}
		payload, err := readFrame(conn, opHello)
		if err != nil {
			_ = conn.Close()
			return errors.WithMessage(err, "worker hello")
		}
		if len(payload) != 4 {
			_ = conn.Close()
			return errors.Errorf("malformed hello payload of %d bytes", len(payload))
		}
		workerRank := int(binary.LittleEndian.Uint32(payload))
		if workerRank <= 0 || workerRank >= pg.worldSize || pg.workers[workerRank] != nil {
			_ = conn.Close()
			return errors.Errorf("unexpected hello from rank %d", workerRank)
		}
		pg.workers[workerRank] = conn
		klog.V(2).Infof("rank %d joined the process group", workerRank)
	}
	return nil
}

// dialLeader connects to the leader, retrying until ctx expires, and
// identifies itself with a hello frame.
func (pg *ProcessGroup) dialLeader(ctx context.Context, addr string) error {
	dialer := &net.Dialer{}
	var conn net.Conn
	var err error
	for {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(err, "rank %d failed to reach leader at %s", pg.rank, addr)
		case <-time.After(100 * time.Millisecond):
		}
	}
	hello := make([]byte, 4)
	binary.LittleEndian.PutUint32(hello, uint32(pg.rank))
	if err := writeFrame(conn, opHello, hello); err != nil {
		_ = conn.Close()
		return errors.WithMessagef(err, "rank %d hello", pg.rank)
	}
	pg.leader = conn
	return nil
}

// leaderExchange runs recv for every worker connection in parallel, then, if
// all succeeded, send for every worker connection in parallel. Either phase
// may be nil. Connection deadlines are bounded by ctx and the group timeout.
func (pg *ProcessGroup) leaderExchange(ctx context.Context, recv, send func(workerRank int, conn net.Conn) error) error {
	deadline := time.Now().Add(pg.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	runPhase := func(name string, fn func(int, net.Conn) error) error {
		g := &errgroup.Group{}
		for workerRank := 1; workerRank < pg.worldSize; workerRank++ {
			conn := pg.workers[workerRank]
			g.Go(func() error {
				_ = conn.SetDeadline(deadline)
				if err := fn(workerRank, conn); err != nil {
					return errors.WithMessagef(err, "%s with rank %d", name, workerRank)
				}
				return nil
			})
		}
		return g.Wait()
	}
	if recv != nil {
		if err := runPhase("recv", recv); err != nil {
			return err
		}
	}
	if send != nil {
		if err := runPhase("send", send); err != nil {
			return err
		}
	}
	return nil
}
