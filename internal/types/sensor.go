package types

import (
	"strings"
	"time"

	"beaconsync/internal/errs"
)

// Sensor is a tracked beacon. ID never changes. LocalID is set while the
// sensor is only known locally; RemoteID once it is known to the cloud.
type Sensor struct {
	ID        string    `json:"id"`
	LocalID   string    `json:"localId,omitempty"`
	RemoteID  string    `json:"remoteId,omitempty"`
	Name      string    `json:"name"`
	IsOwner   bool      `json:"isOwner"`
	IsClaimed bool      `json:"isClaimed"`
	Owner     string    `json:"owner,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewLocalSensor builds a sensor discovered by a local source.
func NewLocalSensor(localID, name string) (Sensor, error) {
	localID = strings.TrimSpace(localID)
	if localID == "" {
		return Sensor{}, errs.Invalid("local sensor needs a local identifier")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = defaultName(localID)
	}
	return Sensor{ID: localID, LocalID: localID, Name: name}, nil
}

// NewCloudSensor builds a sensor listed by the cloud.
func NewCloudSensor(remoteID, name, owner string, isOwner bool) (Sensor, error) {
	remoteID = strings.TrimSpace(remoteID)
	if remoteID == "" {
		return Sensor{}, errs.Invalid("cloud sensor needs a remote identifier")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = defaultName(remoteID)
	}
	return Sensor{
		ID:        remoteID,
		RemoteID:  remoteID,
		Name:      name,
		Owner:     strings.TrimSpace(owner),
		IsOwner:   isOwner,
		IsClaimed: isOwner,
	}, nil
}

func (s Sensor) Validate() error {
	if s.ID == "" {
		return errs.Invalid("sensor has no id")
	}
	if s.LocalID == "" && s.RemoteID == "" {
		return errs.Invalid("sensor %q has neither local nor remote identifier", s.ID)
	}
	if s.IsClaimed && s.RemoteID == "" {
		return errs.Invalid("claimed sensor %q has no remote identifier", s.ID)
	}
	return nil
}

// defaultName mirrors the device naming scheme: "Ruuvi" plus the last
// four hex digits of the identifier.
func defaultName(id string) string {
	hex := strings.ToUpper(strings.NewReplacer(":", "", "-", "").Replace(id))
	if len(hex) > 4 {
		hex = hex[len(hex)-4:]
	}
	return "Ruuvi " + hex
}
