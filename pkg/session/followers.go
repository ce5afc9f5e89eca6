package session

import "slices"

// AddFollower records connID as a follower named name.
func (r *Record) AddFollower(connID, name string) {
	if r.Followers == nil {
		r.Followers = make(map[string]string)
	}
	r.Followers[connID] = name
}

// RemoveFollower deletes connID from the followers map and returns the name it
// was registered under.
func (r *Record) RemoveFollower(connID string) (string, bool) {
	name, ok := r.Followers[connID]
	if ok {
		delete(r.Followers, connID)
	}
	return name, ok
}

// FollowerNamed returns the connection id of the first follower registered as
// name. Followers are ordered by connection id so the choice is stable across
// processes reading the same record.
func (r *Record) FollowerNamed(name string) (string, bool) {
	var ids []string
	for id, n := range r.Followers {
		if n == name {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return "", false
	}
	slices.Sort(ids)
	return ids[0], true
}

// AppendFile adds a completed upload to the manifest.
func (r *Record) AppendFile(entry ManifestEntry) {
	r.Manifest = append(r.Manifest, entry)
}
