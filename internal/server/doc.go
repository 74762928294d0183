// Package server は、カメラのセッションをHTTP APIとして公開します。
//
// このパッケージは、HTTPサーバーの起動、ルーティング、リクエスト検証、
// セッションごとのフレーム配信を担当します。
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - API定義（openapi.yaml）の埋め込みと配信、リクエストの検証
//   - セッションの作成・クローズとプロパティ操作の公開
//   - フレームシンクの開始・停止と、Server-Sent Eventsによるフレーム通知
//   - 最新フレームの画像化とプリセットの保存・適用
//
// 仕様:
//   - ルーティングにはginを使用
//   - パスパラメータはoapi-codegenのruntimeで束縛
//   - API定義の読み込みと検証はkin-openapiを使用
//   - エラーは種類に応じたステータスコードで返す（クローズ済み409、範囲外422、
//     書き込み不可403、型不一致400、未検出404、SDK通信エラー502）
//   - シンクのコンシューマーは frameHub で、SDKのコールバックから直接呼ばれない
package server
