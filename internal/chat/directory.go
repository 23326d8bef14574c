package chat

import "slices"

// Room is a named channel. Permanent rooms are seeded at startup and never
// evicted; other rooms exist only while they have members.
type Room struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
	Permanent   bool   `json:"permanent"`

	members map[string]struct{}
}

var DefaultRooms = []Room{
	{Name: "general", DisplayName: "General Chat", Description: "Open conversation for everyone in the community"},
	{Name: "recovery", DisplayName: "Recovery Support", Description: "Share your journey and support others in recovery"},
	{Name: "crisis", DisplayName: "Crisis Support", Description: "Immediate peer support. If you are in danger, contact emergency services"},
	{Name: "celebrations", DisplayName: "Celebrations", Description: "Milestones, sobriety anniversaries and wins of every size"},
}

type RoomSummary struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
	Permanent   bool   `json:"permanent"`
	Users       int    `json:"users"`
}

// Directory maps rooms to the connections currently joined to them. It is
// owned by the ChatServer loop and is not safe for concurrent use.
type Directory struct {
	rooms     map[string]*Room
	permanent []string
}

func NewDirectory(permanent []Room) *Directory {
	d := &Directory{rooms: make(map[string]*Room)}
	for _, r := range permanent {
		room := r
		room.Permanent = true
		room.members = make(map[string]struct{})
		d.rooms[room.Name] = &room
		d.permanent = append(d.permanent, room.Name)
	}
	return d
}

// Join adds connID to room, creating the room if needed. It reports whether
// connID was not already a member.
func (d *Directory) Join(room, connID string) bool {
	r, ok := d.rooms[room]
	if !ok {
		r = &Room{
			Name:        room,
			DisplayName: room,
			members:     make(map[string]struct{}),
		}
		d.rooms[room] = r
	}

	if _, ok := r.members[connID]; ok {
		return false
	}
	r.members[connID] = struct{}{}
	return true
}

// Leave removes connID from room and evicts the room if it is empty and not
// permanent. It reports whether connID was a member.
func (d *Directory) Leave(room, connID string) bool {
	r, ok := d.rooms[room]
	if !ok {
		return false
	}

	_, member := r.members[connID]
	delete(r.members, connID)

	if len(r.members) == 0 && !r.Permanent {
		delete(d.rooms, room)
	}
	return member
}

// MembersOf returns a sorted snapshot of the connections in room.
func (d *Directory) MembersOf(room string) []string {
	r, ok := d.rooms[room]
	if !ok {
		return nil
	}

	members := make([]string, 0, len(r.members))
	for id := range r.members {
		members = append(members, id)
	}
	slices.Sort(members)
	return members
}

func (d *Directory) IsMember(room, connID string) bool {
	r, ok := d.rooms[room]
	if !ok {
		return false
	}
	_, member := r.members[connID]
	return member
}

func (d *Directory) Count(room string) int {
	if r, ok := d.rooms[room]; ok {
		return len(r.members)
	}
	return 0
}

// Info returns the presentation metadata of room. Rooms that are not tracked
// are described by their name.
func (d *Directory) Info(room string) RoomSummary {
	r, ok := d.rooms[room]
	if !ok {
		return RoomSummary{Name: room, DisplayName: room}
	}
	return summaryOf(r)
}

// Rooms lists permanent rooms in seed order, including empty ones, followed
// by the ad hoc rooms sorted by name.
func (d *Directory) Rooms() []RoomSummary {
	summaries := make([]RoomSummary, 0, len(d.rooms))
	for _, name := range d.permanent {
		summaries = append(summaries, summaryOf(d.rooms[name]))
	}

	var adhoc []string
	for name, r := range d.rooms {
		if !r.Permanent {
			adhoc = append(adhoc, name)
		}
	}
	slices.Sort(adhoc)
	for _, name := range adhoc {
		summaries = append(summaries, summaryOf(d.rooms[name]))
	}

	return summaries
}

func summaryOf(r *Room) RoomSummary {
	return RoomSummary{
		Name:        r.Name,
		DisplayName: r.DisplayName,
		Description: r.Description,
		Permanent:   r.Permanent,
		Users:       len(r.members),
	}
}
