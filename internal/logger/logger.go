package logger

import (
	"io"

	"github.com/sirupsen/logrus"
)

var Log *logrus.Logger

// Init инициализирует структурированный логгер.
func Init(level string) {
	Log = logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Log.SetLevel(lvl)

	// JSON для production, text для development
	Log.SetFormatter(&logrus.JSONFormatter{})
}

// SetTextFormatter устанавливает текстовый формат логов (для development).
func SetTextFormatter() {
	if Log != nil {
		Log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
}

// L возвращает глобальный логгер; до Init (например, в тестах) пишет в никуда.
func L() *logrus.Logger {
	if Log == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		return discard
	}
	return Log
}

// Order поля, которыми помечается каждая запись о переходе заказа.
func Order(orderID, transition string) *logrus.Entry {
	return L().WithFields(logrus.Fields{
		"order_id":   orderID,
		"transition": transition,
	})
}
