package lib

import (
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var errPortPoolEmpty = errors.New("port pool is empty")

// PortPool hands out local ports for per-connection endpoints from a
// shuffled ring over [minPort, maxPort].
type PortPool struct {
	ports        []int // ring of free ports
	head         int   // next port to allocate
	free         int
	minPort      int
	maxPort      int
	allocatedMap map[int]time.Time
	mtx          sync.Mutex
}

func newPortPool(minPort, maxPort int) *PortPool {
	capacity := maxPort - minPort + 1
	ports := make([]int, capacity)
	for i, v := range rand.Perm(capacity) {
		ports[i] = minPort + v
	}
	return &PortPool{
		ports:        ports,
		free:         capacity,
		minPort:      minPort,
		maxPort:      maxPort,
		allocatedMap: make(map[int]time.Time),
	}
}

func (p *PortPool) allocatePort() (int, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.free == 0 {
		log.Warn().Int("min", p.minPort).Int("max", p.maxPort).Msg("port pool is empty")
		return 0, errPortPoolEmpty
	}
	port := p.ports[p.head]
	p.head = (p.head + 1) % len(p.ports)
	p.free--
	p.allocatedMap[port] = time.Now()
	return port, nil
}

func (p *PortPool) returnPort(port int) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if port < p.minPort || port > p.maxPort {
		return errors.Errorf("port %d outside pool range %d-%d", port, p.minPort, p.maxPort)
	}
	since, ok := p.allocatedMap[port]
	if !ok {
		return errors.Errorf("port %d was not allocated", port)
	}
	delete(p.allocatedMap, port)

	tail := (p.head + p.free) % len(p.ports)
	p.ports[tail] = port
	p.free++
	log.Debug().Int("port", port).Dur("held", time.Since(since)).Msg("port returned to pool")
	return nil
}

func (p *PortPool) available() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.free
}
