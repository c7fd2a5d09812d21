package world

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"glowkeeper/internal/proto"
)

// Metadata slots emitted for every entity.
const (
	IndexFlags       = proto.FlagsIndex
	IndexX     uint8 = 1
	IndexY     uint8 = 2
	IndexName  uint8 = 3
)

// FlagBurning marks an entity as on fire. It shares the flags byte with the
// glow bit, so a burning entity emits a flags value that is neither the
// canonical "on" nor "off".
const FlagBurning uint8 = 0x01

const (
	defaultEntityCount    = 8
	defaultWidth          = 100.0
	defaultHeight         = 100.0
	defaultSpeed          = 2.0
	defaultBurnChance     = 0.02
	defaultBurnTicks      = 30
	defaultKeyframeTicks  = 15
	positionChangeEpsilon = 1e-6
)

// Config seeds and sizes a World.
type Config struct {
	EntityCount int
	Seed        int64
	Width       float64
	Height      float64
	Speed       float64
	BurnChance  float64
	BurnTicks   int

	// KeyframeTicks is how often every entity re-emits its flags byte even
	// when it did not change.
	KeyframeTicks int
}

// DefaultConfig returns a small arena with a handful of wandering entities.
func DefaultConfig() Config {
	return Config{
		EntityCount:   defaultEntityCount,
		Seed:          1,
		Width:         defaultWidth,
		Height:        defaultHeight,
		Speed:         defaultSpeed,
		BurnChance:    defaultBurnChance,
		BurnTicks:     defaultBurnTicks,
		KeyframeTicks: defaultKeyframeTicks,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.EntityCount < 0 {
		c.EntityCount = 0
	}
	if c.Width <= 0 {
		c.Width = def.Width
	}
	if c.Height <= 0 {
		c.Height = def.Height
	}
	if c.Speed <= 0 {
		c.Speed = def.Speed
	}
	if c.BurnChance < 0 {
		c.BurnChance = 0
	}
	if c.BurnTicks <= 0 {
		c.BurnTicks = def.BurnTicks
	}
	if c.KeyframeTicks <= 0 {
		c.KeyframeTicks = def.KeyframeTicks
	}
	return c
}

type entityState struct {
	id           string
	x, y         float64
	heading      float64
	flags        uint8
	burningTicks int
}

// World owns a set of wandering entities whose state the host broadcasts.
type World struct {
	mu       sync.Mutex
	cfg      Config
	rng      *rand.Rand
	tick     uint64
	entities []*entityState
}

// New spawns cfg.EntityCount entities at seeded positions.
func New(cfg Config) *World {
	cfg = cfg.normalized()
	w := &World{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}
	for i := 0; i < cfg.EntityCount; i++ {
		w.entities = append(w.entities, &entityState{
			id:      fmt.Sprintf("entity-%d", i+1),
			x:       w.rng.Float64() * cfg.Width,
			y:       w.rng.Float64() * cfg.Height,
			heading: w.rng.Float64() * 2 * math.Pi,
		})
	}
	return w
}

// Tick returns the number of completed steps.
func (w *World) Tick() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tick
}

// EntityIDs lists every entity id in sorted order.
func (w *World) EntityIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.entities))
	for _, entity := range w.entities {
		ids = append(ids, entity.id)
	}
	sort.Strings(ids)
	return ids
}

// Has reports whether id names a live entity.
func (w *World) Has(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, entity := range w.entities {
		if entity.id == id {
			return true
		}
	}
	return false
}

// Step advances the simulation one tick and returns the updates the host
// should broadcast. Position changes are always emitted; the flags byte is
// emitted when it changes and on keyframe ticks.
func (w *World) Step() []proto.EntityUpdate {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.tick++
	keyframe := w.tick%uint64(w.cfg.KeyframeTicks) == 0
	updates := make([]proto.EntityUpdate, 0, len(w.entities))
	for _, entity := range w.entities {
		flagsChanged := w.advanceFlags(entity)
		moved := w.move(entity)

		metadata := make([]proto.Metadata, 0, 3)
		if flagsChanged || keyframe {
			metadata = append(metadata, proto.FlagsEntry(entity.flags))
		}
		if moved {
			metadata = append(metadata,
				proto.Metadata{Index: IndexX, Type: proto.MetadataFloat, Value: entity.x},
				proto.Metadata{Index: IndexY, Type: proto.MetadataFloat, Value: entity.y},
			)
		}
		if len(metadata) == 0 {
			continue
		}
		updates = append(updates, proto.NewEntityUpdate(entity.id, w.tick, metadata...))
	}
	return updates
}

// Snapshot returns a full update for every entity, as sent on join.
func (w *World) Snapshot() []proto.EntityUpdate {
	w.mu.Lock()
	defer w.mu.Unlock()

	updates := make([]proto.EntityUpdate, 0, len(w.entities))
	for _, entity := range w.entities {
		updates = append(updates, proto.NewEntityUpdate(entity.id, w.tick,
			proto.FlagsEntry(entity.flags),
			proto.Metadata{Index: IndexX, Type: proto.MetadataFloat, Value: entity.x},
			proto.Metadata{Index: IndexY, Type: proto.MetadataFloat, Value: entity.y},
			proto.Metadata{Index: IndexName, Type: proto.MetadataString, Value: entity.id},
		))
	}
	return updates
}

func (w *World) advanceFlags(entity *entityState) bool {
	before := entity.flags
	if entity.burningTicks > 0 {
		entity.burningTicks--
		if entity.burningTicks == 0 {
			entity.flags &^= FlagBurning
		}
	} else if w.rng.Float64() < w.cfg.BurnChance {
		entity.burningTicks = w.cfg.BurnTicks
		entity.flags |= FlagBurning
	}
	return entity.flags != before
}

func (w *World) move(entity *entityState) bool {
	entity.heading += (w.rng.Float64() - 0.5) * 0.5
	nextX := clamp(entity.x+math.Cos(entity.heading)*w.cfg.Speed, 0, w.cfg.Width)
	nextY := clamp(entity.y+math.Sin(entity.heading)*w.cfg.Speed, 0, w.cfg.Height)
	if nextX == 0 || nextX == w.cfg.Width || nextY == 0 || nextY == w.cfg.Height {
		entity.heading += math.Pi
	}
	moved := math.Abs(nextX-entity.x) > positionChangeEpsilon || math.Abs(nextY-entity.y) > positionChangeEpsilon
	entity.x, entity.y = nextX, nextY
	return moved
}

func clamp(value, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, value))
}
