package envvar

const (
	// Yolo2NCNNEnv is the environment variable used to determine the environment
	Yolo2NCNNEnv = "YOLO2NCNN_ENV"

	// Yolo2NCNNLogFile is the environment variable used to enable logging to a rotating file
	Yolo2NCNNLogFile = "YOLO2NCNN_LOG_FILE"
)
