package insertion

// Stage is one step of the insertion pipeline.
type Stage int

// Pipeline stages in execution order. Stages 1 to 7 gate the registry
// write; stage 8 runs after it and never blocks.
const (
	StageSchema Stage = iota + 1
	StageInvariants
	StageCompatibility
	StagePatterns
	StageMerge
	StageIndex
	StageGuardDog
	StageCalibration
)

var stageNames = map[Stage]string{
	StageSchema:        "schema",
	StageInvariants:    "invariants",
	StageCompatibility: "compatibility",
	StagePatterns:      "forbidden_patterns",
	StageMerge:         "drawer_merge",
	StageIndex:         "registry_index",
	StageGuardDog:      "guard_dog",
	StageCalibration:   "calibration",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "unknown"
}
