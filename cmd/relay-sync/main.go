// Точка входа relay-sync — CLI-клиента синхронизации локальных
// директорий групп с сервером File Relay.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// serverBase — базовый URL сервера File Relay
	serverBase string
	// token — Bearer token для аутентификации загрузок
	token string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relay-sync",
		Short: "Синхронизация локальных директорий групп с File Relay",
		Long: `relay-sync загружает на сервер File Relay файлы, которые есть
в локальной директории группы, но отсутствуют на сервере.
Сравнение идёт по именам файлов из GET /list/{groupId}.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&serverBase, "server",
		"http://localhost:3000", "Базовый URL сервера File Relay")
	rootCmd.PersistentFlags().StringVar(&token, "token",
		os.Getenv("FR_SYNC_TOKEN"), "Bearer token для аутентификации (по умолчанию из FR_SYNC_TOKEN)")

	rootCmd.AddCommand(newUploadGroupCmd())
	rootCmd.AddCommand(newSyncAllCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newUploadGroupCmd — команда синхронизации одной группы.
func newUploadGroupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload-group <groupId> <localDir>",
		Short: "Загрузить отсутствующие на сервере файлы одной группы",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient(serverBase, token)
			res, err := client.SyncGroup(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Группа %s: загружено %d, пропущено %d\n",
				args[0], res.Uploaded, res.Skipped)
			return nil
		},
	}
}

// newSyncAllCmd — команда синхронизации всех групп из корневой директории.
func newSyncAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-all <uploadsDir>",
		Short: "Синхронизировать все поддиректории-группы из uploadsDir",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uploadsDir := args[0]
			entries, err := os.ReadDir(uploadsDir)
			if err != nil {
				return fmt.Errorf("ошибка чтения директории %s: %w", uploadsDir, err)
			}

			client := newClient(serverBase, token)
			failures := 0
			for _, entry := range entries {
				if !entry.IsDir() {
					continue
				}
				groupID := entry.Name()
				res, err := client.SyncGroup(cmd.Context(), groupID, uploadsDir+"/"+groupID)
				if err != nil {
					failures++
					fmt.Fprintf(cmd.ErrOrStderr(), "Группа %s: ошибка: %v\n", groupID, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Группа %s: загружено %d, пропущено %d\n",
					groupID, res.Uploaded, res.Skipped)
			}

			if failures > 0 {
				return fmt.Errorf("синхронизация завершилась с ошибками в %d группах", failures)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Синхронизация всех групп завершена")
			return nil
		},
	}
}
