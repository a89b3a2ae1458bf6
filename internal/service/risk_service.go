package service

// RiskService - бизнес-логика управления рисками
//
// ВАЖНО: Функционал управления рисками реализован в пакетах coordinator и
// filter, а не в service. См.:
//
// - internal/coordinator/monitor.go: monitorOpen отслеживает открытые
//   позиции, проверяет достижение Stop Loss, детектирует ликвидацию по
//   расхождению ожидаемого и фактического размера позиции
// - internal/coordinator/closing.go: закрытие обеих ног при срабатывании
//   Stop Loss или при неудачном открытии второй ноги (уведомления
//   координатор не создает)
// - internal/filter/filter.go: OpportunityFilter проверяет маржинальные
//   требования и здоровье venue (через VenueHealth/MarginSource) перед
//   входом в новую позицию
//
// Архитектурное решение:
// Риск-логика работает как часть торгового координатора, а не как
// отдельный сервис, потому что:
// 1. Требует прямого доступа к состоянию открытой позиции в реальном времени
// 2. Должна мгновенно реагировать на изменения цены (без сетевых запросов к БД)
// 3. Интегрирована с исполнением ордеров на закрытие обеих ног
// 4. Использует in-memory поток котировок, а не периодический опрос БД
//
// Использование:
//
//	coord := coordinator.New(cfg, exchanges, prices, ledger, log)
//	go coord.Execute(ctx, req) // req - TradeRequest, допущенный filter
//
// См. также:
// - internal/pricestream: источник котировок, на основе которого считается PNL
// - internal/balance: BalanceReconciler, поставщик доступной маржи для filter
