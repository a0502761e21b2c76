package testutils

// Component fixtures. They are plain data; tests pair them with ecs.ComponentDef values.

type Health struct {
	Cur int `json:"cur"`
	Max int `json:"max"`
}

type Position struct{ X, Y float64 }

type Velocity struct{ X, Y float64 }

type Lifetime struct{ Remaining float64 }

type TeamTag struct{ Team string }
