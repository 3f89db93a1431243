package app

import (
	"context"
	"sort"
	"sync"

	"github.com/dkeye/Babel/internal/domain"
	"github.com/rs/zerolog/log"
)

// RoomRegistry maps room ids to live rooms. Rooms are created on first join
// and dropped as soon as they become empty.
type RoomRegistry struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]*Room
	deps  RoomDeps
}

func NewRoomRegistry(deps RoomDeps) *RoomRegistry {
	return &RoomRegistry{
		rooms: make(map[domain.RoomID]*Room),
		deps:  deps,
	}
}

func (g *RoomRegistry) GetOrCreate(id domain.RoomID) *Room {
	g.mu.RLock()
	room, ok := g.rooms[id]
	g.mu.RUnlock()
	if ok {
		return room
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if room, ok = g.rooms[id]; ok {
		return room
	}
	room = NewRoom(id, g.deps)
	room.setOnEmpty(func(id domain.RoomID) { g.DeleteIfEmpty(id) })
	g.rooms[id] = room
	if g.deps.Metrics != nil {
		g.deps.Metrics.ActiveRooms.Add(context.Background(), 1)
	}
	log.Info().Str("module", "app.registry").Str("room", string(id)).Msg("room created")
	return room
}

func (g *RoomRegistry) Get(id domain.RoomID) (*Room, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	room, ok := g.rooms[id]
	return room, ok
}

// DeleteIfEmpty drops the room when it has no participants. The room is
// marked closed in the same step, so a concurrent join either lands before
// (and the room survives) or fails with ErrRoomClosed and is retried.
func (g *RoomRegistry) DeleteIfEmpty(id domain.RoomID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	room, ok := g.rooms[id]
	if !ok || !room.closeIfEmpty() {
		return false
	}
	delete(g.rooms, id)
	if g.deps.Metrics != nil {
		g.deps.Metrics.ActiveRooms.Add(context.Background(), -1)
	}
	log.Info().Str("module", "app.registry").Str("room", string(id)).Msg("room deleted")
	return true
}

// List returns a view of every live room sorted by id.
func (g *RoomRegistry) List() []domain.RoomInfo {
	g.mu.RLock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.mu.RUnlock()

	out := make([]domain.RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close shuts every room down. Used on server shutdown.
func (g *RoomRegistry) Close() {
	g.mu.Lock()
	rooms := g.rooms
	g.rooms = make(map[domain.RoomID]*Room)
	g.mu.Unlock()
	for id, r := range rooms {
		r.Close()
		if g.deps.Metrics != nil {
			g.deps.Metrics.ActiveRooms.Add(context.Background(), -1)
		}
		log.Info().Str("module", "app.registry").Str("room", string(id)).Msg("room closed")
	}
}
