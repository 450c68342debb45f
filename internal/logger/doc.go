// Package logger builds the zap logger shared by every component.
//
// Level "debug" selects zap's development preset, anything else the
// production preset. Format "console" switches to a human readable encoder;
// the default is JSON.
//
//	log, err := logger.New(logger.Config{Level: "info", Format: "json"})
//	if err != nil {
//	    return err
//	}
//	log.Info("server started", zap.String("addr", ":8080"))
package logger
