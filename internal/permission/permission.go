package permission

import (
	"fmt"
	"strings"
)

// Role of a participant inside a room
type Role string

const (
	RoleHost   Role = "host"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleHost, RoleEditor, RoleViewer:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// RoomType decides the default role of joiners and whether editors may destroy the room
type RoomType string

const (
	RoomQuick  RoomType = "quick"
	RoomCustom RoomType = "custom"
)

func ParseRoomType(s string) (RoomType, error) {
	switch RoomType(s) {
	case RoomQuick, RoomCustom:
		return RoomType(s), nil
	}
	return "", fmt.Errorf("unknown room type %q", s)
}

// DefaultRole is the role assigned to a non-host joiner
func (t RoomType) DefaultRole() Role {
	if t == RoomQuick {
		return RoleEditor
	}
	return RoleViewer
}

// Capability is one bit of a permission Set
type Capability uint16

const (
	Read Capability = 1 << iota
	Chat
	Execute
	RequestHost
	UpdateProfile
	Edit
	CreateFile
	DeleteFile
	ManageRoles
	HandleHostRequest
	DestroyRoom
)

var capabilityNames = []struct {
	cap  Capability
	name string
}{
	{Read, "read"},
	{Chat, "chat"},
	{Execute, "execute"},
	{RequestHost, "request-host"},
	{UpdateProfile, "update-profile"},
	{Edit, "edit"},
	{CreateFile, "create-file"},
	{DeleteFile, "delete-file"},
	{ManageRoles, "manage-roles"},
	{HandleHostRequest, "handle-host-request"},
	{DestroyRoom, "destroy-room"},
}

func (c Capability) String() string {
	for _, n := range capabilityNames {
		if n.cap == c {
			return n.name
		}
	}
	return fmt.Sprintf("capability(%d)", uint16(c))
}

// Set is a bitmask of capabilities. It is never stored; callers derive it with For.
type Set uint16

const (
	viewerBits = Set(Read | Chat | Execute | RequestHost | UpdateProfile)
	editorBits = viewerBits | Set(Edit|CreateFile|DeleteFile)
	allBits    = editorBits | Set(ManageRoles|HandleHostRequest|DestroyRoom)
)

// For derives the permission set of a role in a room type.
// Unknown roles get no capabilities.
func For(role Role, roomType RoomType) Set {
	switch role {
	case RoleHost:
		return allBits
	case RoleEditor:
		if roomType == RoomQuick {
			return editorBits | Set(DestroyRoom)
		}
		return editorBits
	case RoleViewer:
		return viewerBits
	}
	return 0
}

func (s Set) Has(c Capability) bool {
	return s&Set(c) == Set(c)
}

// Contains reports whether every bit of other is also in s
func (s Set) Contains(other Set) bool {
	return s&other == other
}

// Names lists the capabilities in s in bit order
func (s Set) Names() []string {
	names := make([]string, 0, len(capabilityNames))
	for _, n := range capabilityNames {
		if s.Has(n.cap) {
			names = append(names, n.name)
		}
	}
	return names
}

func (s Set) String() string {
	return strings.Join(s.Names(), ",")
}
