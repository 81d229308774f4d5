package consts

const (
	AppName = "camnvr"

	AppVersion = "0.9.2"
)
