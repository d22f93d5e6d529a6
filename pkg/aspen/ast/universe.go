package ast

// ID is the arena index of a ground atom in a Universe
type ID int32

// NoID marks the absence of an atom
const NoID ID = -1

// Universe is the interned table of all ground atoms a program can
// mention. It is built once by the grounder and then shared read-only
// by the solver and the projector; truth assignment is over IDs, never
// atom values.
type Universe struct {
	atoms  []Atom
	ids    map[string]ID
	byPred map[string][]ID
}

// NewUniverse returns an empty universe
func NewUniverse() *Universe {
	return &Universe{
		ids:    make(map[string]ID),
		byPred: make(map[string][]ID),
	}
}

// Intern returns the ID for a ground atom, adding it if new.
// The atom must be ground.
func (u *Universe) Intern(a Atom) ID {
	key := a.String()
	if id, ok := u.ids[key]; ok {
		return id
	}
	id := ID(len(u.atoms))
	u.atoms = append(u.atoms, a)
	u.ids[key] = id
	u.byPred[a.Pred] = append(u.byPred[a.Pred], id)
	return id
}

// Lookup returns the ID for a ground atom without adding it
func (u *Universe) Lookup(a Atom) (ID, bool) {
	id, ok := u.ids[a.String()]
	return id, ok
}

// Atom returns the atom stored at the given ID
func (u *Universe) Atom(id ID) Atom { return u.atoms[id] }

// Len returns the number of interned atoms
func (u *Universe) Len() int { return len(u.atoms) }

// ByPred returns the IDs of all atoms with the given predicate, in
// interning order. The returned slice must not be modified.
func (u *Universe) ByPred(pred string) []ID { return u.byPred[pred] }
