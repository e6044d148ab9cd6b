package errors

import (
	"github.com/sirupsen/logrus"
)

// Entry adds AppError code and context to a log entry for err.
func Entry(logger logrus.FieldLogger, err error) *logrus.Entry {
	entry := logger.WithError(err)

	if appErr, ok := As(err); ok {
		entry = entry.WithFields(logrus.Fields{
			"error_code": appErr.Code,
			"retryable":  appErr.Retryable,
		})

		for k, v := range appErr.Context {
			if k == "payload" || k == "access_token" {
				continue
			}
			entry = entry.WithField(k, v)
		}
	}

	return entry
}

// LogRetryableError logs a retryable error at warn level, non-retryable at error level
func LogRetryableError(logger logrus.FieldLogger, err error, message string) {
	if IsRetryable(err) {
		Entry(logger, err).Warn(message)
	} else {
		Entry(logger, err).Error(message)
	}
}
