package config

import (
	"os"

	"github.com/joho/godotenv"
)

// loadDotenv подгружает переменные из .env-файла, не перетирая уже заданные
// в окружении. Отсутствие файла не считается ошибкой: так ведёт себя и
// продакшен-окружение, где конфигурация приходит из контейнера.
func loadDotenv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}
