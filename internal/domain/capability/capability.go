// Пакет capability — граница повышения привилегий.
//
// Service выдаётся один раз при старте процесса и передаётся только
// системным задачам (журнал аудита, планировщик retention). Код обработки
// HTTP-запросов его не получает. Нулевое значение Service недействительно,
// поэтому получить рабочую capability можно только через Issue.
package capability

import "log/slog"

// Service — непрозрачная capability системного вызывающего.
type Service struct {
	name string
}

// Issue создаёт capability для системной задачи name.
// Каждая выдача пишется в лог.
func Issue(name string, logger *slog.Logger) *Service {
	if logger != nil {
		logger.Info("Выдана сервисная capability", slog.String("holder", name))
	}
	return &Service{name: name}
}

// Valid возвращает true для capability, полученной через Issue.
func (s *Service) Valid() bool {
	return s != nil && s.name != ""
}

// Name возвращает имя владельца capability.
func (s *Service) Name() string {
	if s == nil {
		return ""
	}
	return s.name
}
