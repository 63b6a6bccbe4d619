package engine

import "github.com/layersync/backend/internal/host"

// IdentifierMap is the bijection between local feature ids and remote
// record ids of one layer. Rebinding either side drops the stale
// counterpart, so no id is ever bound twice.
type IdentifierMap struct {
	localToRemote map[host.FeatureID]string
	remoteToLocal map[string]host.FeatureID
}

// NewIdentifierMap creates an empty map.
func NewIdentifierMap() *IdentifierMap {
	return &IdentifierMap{
		localToRemote: make(map[host.FeatureID]string),
		remoteToLocal: make(map[string]host.FeatureID),
	}
}

// Bind links a local id with a remote id.
func (m *IdentifierMap) Bind(local host.FeatureID, remote string) {
	if old, ok := m.localToRemote[local]; ok {
		delete(m.remoteToLocal, old)
	}
	if old, ok := m.remoteToLocal[remote]; ok {
		delete(m.localToRemote, old)
	}
	m.localToRemote[local] = remote
	m.remoteToLocal[remote] = local
}

func (m *IdentifierMap) RemoteFor(local host.FeatureID) (string, bool) {
	remote, ok := m.localToRemote[local]
	return remote, ok
}

func (m *IdentifierMap) LocalFor(remote string) (host.FeatureID, bool) {
	local, ok := m.remoteToLocal[remote]
	return local, ok
}

// UnbindRemote removes both directions of the binding of remote.
func (m *IdentifierMap) UnbindRemote(remote string) {
	if local, ok := m.remoteToLocal[remote]; ok {
		delete(m.localToRemote, local)
	}
	delete(m.remoteToLocal, remote)
}

func (m *IdentifierMap) Len() int {
	return len(m.localToRemote)
}

func (m *IdentifierMap) Clear() {
	clear(m.localToRemote)
	clear(m.remoteToLocal)
}
