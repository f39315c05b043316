package validator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	v1 "github.com/vectormesh/vectormesh/pkg/api/v1"
)

// Hash canonicalises the definition and returns the hex SHA-256 digest of
// the canonical bytes. Canonical form serialises object keys in
// lexicographic order with no insignificant whitespace, so the digest is a
// deterministic function of the definition content.
func Hash(def *v1.Definition) (string, error) {
	canonical, err := Canonicalise(def)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Canonicalise returns the canonical JSON encoding of the definition.
// Round-tripping through an untyped value lets encoding/json order every
// object's keys lexicographically.
func Canonicalise(def *v1.Definition) ([]byte, error) {
	raw, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("failed to serialise definition: %w", err)
	}
	var untyped any
	if err := json.Unmarshal(raw, &untyped); err != nil {
		return nil, fmt.Errorf("failed to canonicalise definition: %w", err)
	}
	canonical, err := json.Marshal(untyped)
	if err != nil {
		return nil, fmt.Errorf("failed to re-serialise definition: %w", err)
	}
	return canonical, nil
}

// Normalize repairs common authoring mistakes in place before validation:
// an empty step list gets one synthesised step per activity, and dependsOn
// entries naming an activity id are rewritten to the step owning that
// activity. The repair is deterministic.
func Normalize(def *v1.Definition) {
	if len(def.Steps) == 0 {
		def.Steps = synthesiseSteps(def.Activities)
		return
	}

	stepIDs := map[string]bool{}
	stepByActivity := map[string]string{}
	for _, s := range def.Steps {
		stepIDs[s.ID] = true
		if _, taken := stepByActivity[s.ActivityID]; !taken {
			stepByActivity[s.ActivityID] = s.ID
		}
	}

	for i := range def.Steps {
		for j, dep := range def.Steps[i].DependsOn {
			if stepIDs[dep] {
				continue
			}
			if owner, ok := stepByActivity[dep]; ok {
				def.Steps[i].DependsOn[j] = owner
			}
		}
	}
}

// synthesiseSteps produces one step per activity with no dependencies.
// Synthesised ids use step-<activityId> with a numeric suffix on collision.
func synthesiseSteps(activities []v1.Activity) []v1.Step {
	steps := make([]v1.Step, 0, len(activities))
	used := map[string]bool{}
	for _, a := range activities {
		id := "step-" + a.ID
		for n := 2; used[id]; n++ {
			id = fmt.Sprintf("step-%s-%d", a.ID, n)
		}
		used[id] = true
		steps = append(steps, v1.Step{ID: id, ActivityID: a.ID, DependsOn: []string{}})
	}
	return steps
}
