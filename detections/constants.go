package detections

const (
	DefaultInputSize = 640
	ConfThreshold    = 0.25
	IouThreshold     = 0.45
	MaxDetections    = 300

	DeviceAuto = "auto"
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)
