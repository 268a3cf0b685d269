package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SecretsDir стандартный путь Docker Secrets. Переопределяется в тестах.
var SecretsDir = "/run/secrets"

// ReadSecret читает секрет из файла SecretsDir/<name>.
func ReadSecret(name string) (string, error) {
	path := filepath.Join(SecretsDir, name)
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file %s: %w", path, err)
	}
	secret := strings.TrimSpace(string(raw))
	if secret == "" {
		return "", fmt.Errorf("secret file %s is empty", path)
	}
	return secret, nil
}

// secretOr возвращает значение из env, если оно задано, иначе пробует файл секрета.
// Отсутствие файла не ошибка: секрет считается незаданным.
func secretOr(current, name string) string {
	if current != "" {
		return current
	}
	if s, err := ReadSecret(name); err == nil {
		return s
	}
	return ""
}
