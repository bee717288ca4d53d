// Package role implements the room permission hierarchy: a small, ordered
// table of named roles, each carrying a boolean permission vector.
package role

import (
	"errors"
	"sort"

	"github.com/google/uuid"
)

// ErrNameExists is returned by Table.Add when a role with the same name is
// already present in the table.
var ErrNameExists = errors.New("role: name already exists")

// Permissions is the boolean permission vector attached to a Role.
type Permissions struct {
	UseControls   bool
	ManageUsers   bool
	AddSong       bool
	AddModerator  bool
	ManageRoom    bool
}

// Weight returns the permission weight used to order roles within a Table.
// Higher weight means more powerful; ties compare equal.
func (p Permissions) Weight() int {
	w := 0
	if p.AddSong {
		w += 1
	}
	if p.UseControls {
		w += 2
	}
	if p.ManageUsers {
		w += 3
	}
	if p.AddModerator {
		w += 4
	}
	if p.ManageRoom {
		w += 5
	}
	return w
}

// Role is an immutable identifier, a display name, and a permission vector.
type Role struct {
	ID          uuid.UUID
	Name        string
	Permissions Permissions
}

// Weight is a convenience forward to Permissions.Weight.
func (r Role) Weight() int {
	return r.Permissions.Weight()
}

func newRole(name string, perms Permissions) Role {
	return Role{ID: uuid.Must(uuid.NewV7()), Name: name, Permissions: perms}
}

// Guest, VIP, Moderator, Admin and Owner construct the default seed roles,
// from least to most powerful.
func Guest() Role {
	return newRole("Guest", Permissions{})
}

func VIP() Role {
	return newRole("VIP", Permissions{AddSong: true})
}

func Moderator() Role {
	return newRole("Moderator", Permissions{UseControls: true, ManageUsers: true, AddSong: true})
}

func Admin() Role {
	return newRole("Admin", Permissions{UseControls: true, ManageUsers: true, AddSong: true, AddModerator: true})
}

func Owner() Role {
	return newRole("Owner", Permissions{UseControls: true, ManageUsers: true, AddSong: true, AddModerator: true, ManageRoom: true})
}

// Table is an ordered sequence of Roles kept sorted by descending weight.
// It is not safe for concurrent use; callers that share a Table across
// goroutines (room.Room does) must guard it with their own lock.
type Table struct {
	roles []Role
}

// DefaultTable seeds the standard five-role hierarchy: Owner, Admin,
// Moderator, VIP, Guest, highest weight first.
func DefaultTable() *Table {
	t := &Table{roles: []Role{Owner(), Admin(), Moderator(), VIP(), Guest()}}
	t.sort()
	return t
}

// Add appends a new role and re-sorts the table by descending weight.
// Fails with ErrNameExists if the name is already used in this table.
func (t *Table) Add(name string, perms Permissions) (Role, error) {
	for _, r := range t.roles {
		if r.Name == name {
			return Role{}, ErrNameExists
		}
	}
	r := newRole(name, perms)
	t.roles = append(t.roles, r)
	t.sort()
	return r, nil
}

// Remove deletes the role with the given id, if present.
func (t *Table) Remove(id uuid.UUID) {
	for i, r := range t.roles {
		if r.ID == id {
			t.roles = append(t.roles[:i], t.roles[i+1:]...)
			return
		}
	}
}

// Edit replaces the name and permissions of the role with the given id.
// No-op if the id is not found.
func (t *Table) Edit(id uuid.UUID, name string, perms Permissions) {
	for i := range t.roles {
		if t.roles[i].ID != id {
			continue
		}
		t.roles[i].Name = name
		t.roles[i].Permissions = perms
		t.sort()
		return
	}
}

// Swap exchanges the positions of the roles at indices i and j. Out-of-range
// indices are a no-op.
func (t *Table) Swap(i, j int) {
	if i < 0 || j < 0 || i >= len(t.roles) || j >= len(t.roles) {
		return
	}
	t.roles[i], t.roles[j] = t.roles[j], t.roles[i]
}

// ByName returns the role with the given name, if any.
func (t *Table) ByName(name string) (Role, bool) {
	for _, r := range t.roles {
		if r.Name == name {
			return r, true
		}
	}
	return Role{}, false
}

// ByID returns the role with the given id, if any.
func (t *Table) ByID(id uuid.UUID) (Role, bool) {
	for _, r := range t.roles {
		if r.ID == id {
			return r, true
		}
	}
	return Role{}, false
}

// List returns the table's roles in descending-weight order. The returned
// slice is a copy; mutating it does not affect the table.
func (t *Table) List() []Role {
	out := make([]Role, len(t.roles))
	copy(out, t.roles)
	return out
}

// Least returns the lowest-weight role in the table, assigned to newly
// joined participants. Ok is false for an empty table.
func (t *Table) Least() (Role, bool) {
	if len(t.roles) == 0 {
		return Role{}, false
	}
	return t.roles[len(t.roles)-1], true
}

func (t *Table) sort() {
	sort.SliceStable(t.roles, func(i, j int) bool {
		return t.roles[i].Weight() > t.roles[j].Weight()
	})
}
