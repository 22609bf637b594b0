package domain

// Vec3 is a world-space vector in metres.
type Vec3 struct {
	X, Y, Z float64
}

// Quat is an orientation quaternion.
type Quat struct {
	X, Y, Z, W float64
}

var IdentityQuat = Quat{W: 1}

// Pose is a position/velocity/orientation triple.
type Pose struct {
	Position Vec3
	Velocity Vec3
	Rotation Quat
}

// PositionSnapshot is what gets forwarded to a transport: where the avatar
// speaks from and where the listener ear is.
type PositionSnapshot struct {
	Avatar Pose
	Ear    Pose
}

type EarLocation int

const (
	EarCamera EarLocation = iota
	EarAvatar
	EarMixed
)

func ParseEarLocation(s string) EarLocation {
	switch s {
	case "avatar":
		return EarAvatar
	case "mixed":
		return EarMixed
	default:
		return EarCamera
	}
}
