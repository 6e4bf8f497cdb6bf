package engine

import (
	"fmt"
	"time"

	"alerthub/internal/domain"
	"alerthub/internal/faults"
)

// step is the result of applying one alert to one record.
type step struct {
	kind     domain.TransitionKind
	instance *domain.AlertInstance
	anomaly  bool
}

// transition applies normalized alert to record in place.
// Params: record (ignored when exists=false), alert, receive time, and ID generator.
// Returns: transition kind, affected instance, and anomaly flag; ValidationError for unsupported status.
func transition(record *domain.GroupRecord, exists bool, alert domain.NormalizedAlert, now time.Time, newID func() string) (step, error) {
	switch alert.Status {
	case domain.StatusFiring:
		if !exists {
			return createFiring(record, alert, now, newID), nil
		}
		if record.Group.CurrentStatus == domain.StatusResolved {
			return reFire(record, alert, now, newID), nil
		}
		return continueFiring(record, alert, now, newID), nil
	case domain.StatusResolved:
		if !exists {
			return createResolved(record, alert, now, newID), nil
		}
		return resolve(record, alert, now, newID), nil
	default:
		return step{}, &faults.ValidationError{Field: "status", Reason: fmt.Sprintf("unsupported value %q", alert.Status)}
	}
}

func createFiring(record *domain.GroupRecord, alert domain.NormalizedAlert, now time.Time, newID func() string) step {
	*record = domain.GroupRecord{Group: newGroup(alert, newID)}
	record.Group.CurrentStatus = domain.StatusFiring
	record.Group.TotalFiringCount = 1
	instance := appendInstance(record, firingInstance(alert, now, newID))
	return step{kind: domain.TransitionNewFiring, instance: instance}
}

func createResolved(record *domain.GroupRecord, alert domain.NormalizedAlert, now time.Time, newID func() string) step {
	*record = domain.GroupRecord{Group: newGroup(alert, newID)}
	record.Group.CurrentStatus = domain.StatusResolved
	instance := appendInstance(record, domain.AlertInstance{
		ID:             newID(),
		Status:         domain.StatusResolved,
		StartsAt:       alert.StartsAt,
		EndsAt:         timePtr(resolvedEnd(alert)),
		Annotations:    domain.CloneMap(alert.Annotations),
		GeneratorURL:   alert.GeneratorURL,
		ResolutionType: domain.ResolutionNormal,
		ReceivedAt:     now,
	})
	return step{kind: domain.TransitionResolved, instance: instance, anomaly: true}
}

// reFire opens a new firing cycle; acknowledgement belongs to the previous cycle.
func reFire(record *domain.GroupRecord, alert domain.NormalizedAlert, now time.Time, newID func() string) step {
	group := &record.Group
	group.CurrentStatus = domain.StatusFiring
	group.Acknowledged = false
	group.AcknowledgedBy = ""
	group.AcknowledgedAt = nil
	group.TotalFiringCount++
	touch(group, alert)
	instance := appendInstance(record, firingInstance(alert, now, newID))
	return step{kind: domain.TransitionReFiring, instance: instance}
}

func continueFiring(record *domain.GroupRecord, alert domain.NormalizedAlert, now time.Time, newID func() string) step {
	if latest, ok := record.LatestInstance(); ok && latest.StartsAt.Equal(alert.StartsAt) {
		return step{kind: domain.TransitionDuplicateNoOp}
	}
	// A late occurrence never closes a newer one: ends_at must not precede starts_at.
	for i := range record.Instances {
		if record.Instances[i].Open() && !record.Instances[i].StartsAt.After(alert.StartsAt) {
			closeInstance(&record.Instances[i], alert.StartsAt, domain.ResolutionInferred)
		}
	}
	touch(&record.Group, alert)
	instance := appendInstance(record, firingInstance(alert, now, newID))
	return step{kind: domain.TransitionNewFiring, instance: instance}
}

func resolve(record *domain.GroupRecord, alert domain.NormalizedAlert, now time.Time, newID func() string) step {
	end := resolvedEnd(alert)
	if record.Group.CurrentStatus == domain.StatusResolved {
		for _, instance := range record.Instances {
			if instance.Status == domain.StatusResolved && instance.StartsAt.Equal(alert.StartsAt) &&
				instance.EndsAt != nil && instance.EndsAt.Equal(end) {
				return step{kind: domain.TransitionDuplicateNoOp}
			}
		}
	}

	record.Group.CurrentStatus = domain.StatusResolved
	target := -1
	for i := range record.Instances {
		if record.Instances[i].Open() && record.Instances[i].StartsAt.Equal(alert.StartsAt) {
			target = i
		}
	}
	resolution := domain.ResolutionNormal
	if target < 0 {
		for i := len(record.Instances) - 1; i >= 0; i-- {
			if record.Instances[i].Open() {
				target = i
				resolution = domain.ResolutionInferred
				break
			}
		}
	}

	if target < 0 {
		instance := appendInstance(record, domain.AlertInstance{
			ID:             newID(),
			Status:         domain.StatusResolved,
			StartsAt:       alert.StartsAt,
			EndsAt:         timePtr(end),
			Annotations:    domain.CloneMap(alert.Annotations),
			GeneratorURL:   alert.GeneratorURL,
			ResolutionType: domain.ResolutionNormal,
			ReceivedAt:     now,
		})
		return step{kind: domain.TransitionResolved, instance: instance}
	}

	closeInstance(&record.Instances[target], end, resolution)
	// Remaining open instances belong to the same incident and cannot outlive it.
	for i := range record.Instances {
		if record.Instances[i].Open() {
			closeInstance(&record.Instances[i], end, domain.ResolutionInferred)
		}
	}
	// Keep the resolved occurrence last so the group status mirrors the latest instance.
	if target != len(record.Instances)-1 {
		closed := record.Instances[target]
		record.Instances = append(record.Instances[:target], record.Instances[target+1:]...)
		record.Instances = append(record.Instances, closed)
	}
	instance := record.Instances[len(record.Instances)-1]
	return step{kind: domain.TransitionResolved, instance: &instance}
}

func newGroup(alert domain.NormalizedAlert, newID func() string) domain.AlertGroup {
	labels := domain.CloneMap(alert.Labels)
	if labels == nil {
		labels = map[string]string{}
	}
	return domain.AlertGroup{
		ID:              newID(),
		Fingerprint:     alert.Fingerprint,
		Name:            labels["alertname"],
		Labels:          labels,
		Severity:        labels["severity"],
		Instance:        labels["instance"],
		Source:          alert.Source,
		FirstOccurrence: alert.StartsAt,
		LastOccurrence:  alert.StartsAt,
	}
}

func firingInstance(alert domain.NormalizedAlert, now time.Time, newID func() string) domain.AlertInstance {
	return domain.AlertInstance{
		ID:           newID(),
		Status:       domain.StatusFiring,
		StartsAt:     alert.StartsAt,
		Annotations:  domain.CloneMap(alert.Annotations),
		GeneratorURL: alert.GeneratorURL,
		ReceivedAt:   now,
	}
}

// touch advances last_occurrence; out-of-order events never move it backwards.
func touch(group *domain.AlertGroup, alert domain.NormalizedAlert) {
	if alert.StartsAt.After(group.LastOccurrence) {
		group.LastOccurrence = alert.StartsAt
	}
	if alert.Source != "" {
		group.Source = alert.Source
	}
}

func closeInstance(instance *domain.AlertInstance, end time.Time, resolution domain.ResolutionType) {
	instance.Status = domain.StatusResolved
	instance.EndsAt = timePtr(end)
	instance.ResolutionType = resolution
}

func appendInstance(record *domain.GroupRecord, instance domain.AlertInstance) *domain.AlertInstance {
	record.Instances = append(record.Instances, instance)
	copied := instance
	return &copied
}

// resolvedEnd returns ends_at, falling back to starts_at when the sender omitted it.
func resolvedEnd(alert domain.NormalizedAlert) time.Time {
	if alert.EndsAt != nil {
		return *alert.EndsAt
	}
	return alert.StartsAt
}

func timePtr(value time.Time) *time.Time {
	return &value
}
