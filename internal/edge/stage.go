package edge

import "fmt"

// Stage names one artifact produced by a Run.
type Stage string

const (
	StageGrayscale     Stage = "grayscale"
	StageBlurred       Stage = "blurred"
	StageSobelX        Stage = "sobel_x"
	StageSobelY        Stage = "sobel_y"
	StageSobelCombined Stage = "sobel_combined"
	StageLaplacian     Stage = "laplacian"
	StageCanny         Stage = "canny"
)

// pipeline order
var allStages = []Stage{
	StageGrayscale,
	StageBlurred,
	StageSobelX,
	StageSobelY,
	StageSobelCombined,
	StageLaplacian,
	StageCanny,
}

// AllStages returns every stage in pipeline order.
func AllStages() []Stage {
	out := make([]Stage, len(allStages))
	copy(out, allStages)
	return out
}

// ParseStage resolves a stage by its wire name.
func ParseStage(name string) (Stage, error) {
	for _, s := range allStages {
		if string(s) == name {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", name)
}

func (s Stage) String() string { return string(s) }

// Input returns the stage this one reads from. Grayscale reads the source
// and reports an empty Stage.
func (s Stage) Input() Stage {
	switch s {
	case StageBlurred:
		return StageGrayscale
	case StageSobelX, StageSobelY, StageSobelCombined, StageLaplacian, StageCanny:
		return StageBlurred
	default:
		return ""
	}
}

// Label is the human readable stage title used in overlays and contact sheets.
func (s Stage) Label() string {
	switch s {
	case StageGrayscale:
		return "Grayscale"
	case StageBlurred:
		return "Blurred"
	case StageSobelX:
		return "Sobel X"
	case StageSobelY:
		return "Sobel Y"
	case StageSobelCombined:
		return "Sobel Combined"
	case StageLaplacian:
		return "Laplacian"
	case StageCanny:
		return "Canny"
	default:
		return string(s)
	}
}

func (s Stage) rank() int {
	for i, st := range allStages {
		if st == s {
			return i
		}
	}
	return -1
}

// dependsOn reports whether s is derived, directly or not, from other.
func (s Stage) dependsOn(other Stage) bool {
	for in := s.Input(); in != ""; in = in.Input() {
		if in == other {
			return true
		}
	}
	return false
}
