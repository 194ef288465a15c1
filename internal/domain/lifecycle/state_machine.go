// Пакет lifecycle — конечный автомат жизненного цикла группы.
//
// Состояния:
//   - active — удаление не запланировано
//   - deletion_scheduled — записан дедлайн, владелец может отменить
//   - booted — участники исключены, файлы ещё на месте
//   - purged — терминальное: директория, метаданные и документ удалены
//
// Истина о состоянии хранится во внешнем документе группы; пакет
// выводит состояние из полей документа и валидирует переходы.
package lifecycle

import (
	"fmt"
	"time"
)

// State — состояние жизненного цикла группы.
type State string

const (
	// StateActive — группа активна, удаление не запланировано
	StateActive State = "active"
	// StateDeletionScheduled — дедлайн удаления записан в документ
	StateDeletionScheduled State = "deletion_scheduled"
	// StateBooted — участники исключены, данные ещё существуют
	StateBooted State = "booted"
	// StatePurged — терминальное состояние, всё удалено
	StatePurged State = "purged"
)

// validTransitions — матрица допустимых переходов.
// Ключ — текущее состояние, значение — набор допустимых целевых.
// Переход deletion_scheduled → active — это undo, допустим только
// до истечения дедлайна.
var validTransitions = map[State]map[State]bool{
	StateActive:            {StateDeletionScheduled: true},
	StateDeletionScheduled: {StateActive: true, StateBooted: true},
	StateBooted:            {StatePurged: true},
	StatePurged:            {}, // Терминальное состояние
}

// CanTransition проверяет допустимость перехода from → to.
func CanTransition(from, to State) bool {
	return validTransitions[from][to]
}

// ValidateTransition возвращает ошибку для недопустимого перехода.
func ValidateTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("недопустимый переход жизненного цикла: %s → %s", from, to)
	}
	return nil
}

// Derive выводит состояние группы из полей документа.
//   - deadline == nil → active
//   - deadline в будущем → deletion_scheduled
//   - deadline истёк, участники есть → deletion_scheduled (boot-out ещё не выполнен)
//   - deadline истёк, участников нет → booted
//
// purged не выводится: после purge документа не существует.
func Derive(deadline *time.Time, memberCount int, now time.Time) State {
	if deadline == nil {
		return StateActive
	}
	if now.Before(*deadline) {
		return StateDeletionScheduled
	}
	if memberCount > 0 {
		return StateDeletionScheduled
	}
	return StateBooted
}

// CanUndo возвращает true, если отмена удаления ещё допустима:
// дедлайн записан и не истёк.
func CanUndo(deadline *time.Time, now time.Time) bool {
	return deadline != nil && now.Before(*deadline)
}
