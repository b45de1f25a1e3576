package memory

import (
	"sort"
	"strings"
)

const roomIDSeparator = "_"

type membership struct {
	room string
	peer string
}

// RoomStore keeps ephemeral 1:1 call pairings.
// It is not safe for concurrent use, the owner serializes access.
type RoomStore struct {
	db map[string]membership
}

func NewRoomStore() *RoomStore {
	return &RoomStore{
		db: make(map[string]membership),
	}
}

// RoomID derives deterministic room id for a pair of participants.
func RoomID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, roomIDSeparator)
}

// Join writes membership for both participants and returns the room id.
// Writes are not transactional: if the caller stops between them only one side is stored.
func (rs *RoomStore) Join(a, b string) string {
	roomID := RoomID(a, b)
	rs.db[a] = membership{room: roomID, peer: b}
	rs.db[b] = membership{room: roomID, peer: a}
	return roomID
}

// Room returns room id of participant.
func (rs *RoomStore) Room(id string) (string, bool) {
	m, ok := rs.db[id]
	return m.room, ok
}

// Peer returns the other half of participant's room.
func (rs *RoomStore) Peer(id string) (string, bool) {
	m, ok := rs.db[id]
	return m.peer, ok
}

// Leave removes membership of a single participant.
func (rs *RoomStore) Leave(id string) {
	delete(rs.db, id)
}

// LeaveWithPeer removes membership of participant and of its counterpart,
// but only if counterpart is still in the same room.
func (rs *RoomStore) LeaveWithPeer(id string) (peer string, ok bool) {
	m, ok := rs.db[id]
	if !ok {
		return "", false
	}
	delete(rs.db, id)
	if pm, pok := rs.db[m.peer]; pok && pm.room == m.room {
		delete(rs.db, m.peer)
	}
	return m.peer, true
}

func (rs *RoomStore) Len() int {
	return len(rs.db)
}
