package rewards

// Level is one band of the level table
type Level struct {
	// MinPoints is the inclusive lower bound of the band
	MinPoints int64  `json:"minPoints"`
	Name      string `json:"name"`
}

// Levels is the canonical level table in ascending order
var Levels = []Level{
	{MinPoints: 0, Name: "Novato"},
	{MinPoints: 100, Name: "Iniciante"},
	{MinPoints: 500, Name: "Intermediário"},
	{MinPoints: 1000, Name: "Avançado"},
	{MinPoints: 2500, Name: "Especialista"},
	{MinPoints: 5000, Name: "Mestre Reciclador"},
	{MinPoints: 10000, Name: "Lenda Verde"},
}

// Progress locates a total within the level table
type Progress struct {
	// Level is the 1-based position in Levels
	Level              int     `json:"level"`
	LevelName          string  `json:"levelName"`
	PointsToNextLevel  int64   `json:"pointsToNextLevel"`
	ProgressPercentage float64 `json:"progressPercentage"`
}

func levelIndex(totalPoints int64) int {
	index := 0
	for i, level := range Levels {
		if totalPoints >= level.MinPoints {
			index = i
		}
	}
	return index
}

// LevelForPoints returns the level name for a point total
func LevelForPoints(totalPoints int64) string {
	return Levels[levelIndex(totalPoints)].Name
}

// LevelProgress returns the level of a total and how far it is from the next one
func LevelProgress(totalPoints int64) Progress {
	index := levelIndex(totalPoints)
	current := Levels[index]
	progress := Progress{
		Level:              index + 1,
		LevelName:          current.Name,
		ProgressPercentage: 100,
	}

	if index+1 < len(Levels) {
		next := Levels[index+1]
		progress.PointsToNextLevel = next.MinPoints - totalPoints
		progress.ProgressPercentage = float64(totalPoints-current.MinPoints) / float64(next.MinPoints-current.MinPoints) * 100
	}
	return progress
}
