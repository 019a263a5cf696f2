package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/datecs-gw/fiscalgw/pkg/controlplane/models"
)

func (s *GORMStore) GetPrinter(ctx context.Context, id string) (*models.Printer, error) {
	var printer models.Printer
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&printer).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrPrinterNotFound)
	}
	return &printer, nil
}

func (s *GORMStore) ListPrinters(ctx context.Context) ([]*models.Printer, error) {
	var printers []*models.Printer
	if err := s.db.WithContext(ctx).Order("created_at").Find(&printers).Error; err != nil {
		return nil, err
	}
	return printers, nil
}

func (s *GORMStore) CreatePrinter(ctx context.Context, printer *models.Printer) (string, error) {
	if printer.ID == "" {
		printer.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	printer.CreatedAt = now
	printer.UpdatedAt = now

	if err := s.db.WithContext(ctx).Create(printer).Error; err != nil {
		if isUniqueConstraintError(err) {
			return "", models.ErrDuplicatePrinter
		}
		return "", err
	}
	return printer.ID, nil
}

// UpdatePrinter replaces every mutable field. Identity is immutable; the id
// is the lookup key only.
func (s *GORMStore) UpdatePrinter(ctx context.Context, printer *models.Printer) error {
	printer.UpdatedAt = time.Now().UTC()

	result := s.db.WithContext(ctx).
		Model(&models.Printer{}).
		Where("id = ?", printer.ID).
		Updates(map[string]any{
			"name":            printer.Name,
			"model":           printer.Model,
			"transport":       printer.Transport,
			"serial_port":     printer.SerialPort,
			"baud_rate":       printer.BaudRate,
			"data_bits":       printer.DataBits,
			"parity":          printer.Parity,
			"stop_bits":       printer.StopBits,
			"host":            printer.Host,
			"port":            printer.Port,
			"timeout_seconds": printer.TimeoutSeconds,
			"enabled":         printer.Enabled,
			"dry_run":         printer.DryRun,
			"config":          printer.Config,
			"updated_at":      printer.UpdatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrPrinterNotFound
	}
	return nil
}

func (s *GORMStore) DeletePrinter(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Printer{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrPrinterNotFound
	}
	return nil
}
